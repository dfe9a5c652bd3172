package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionmesh/internal/broadcast"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/peer"
	"github.com/alanyoungcy/auctionmesh/internal/service"
	"github.com/alanyoungcy/auctionmesh/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	mux      *http.ServeMux
	svc      *service.AuctionService
	machine  *ledger.Machine
	registry *peer.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discardLogger()
	registry := peer.NewRegistry(logger)
	router := broadcast.NewRouter(registry, 0, 0, logger)
	machine := ledger.NewMachine(memory.NewLedgerStore(), nil, time.Second, logger)
	svc := service.NewAuctionService(machine, router, logger)

	ah := NewAuctionHandler(svc, machine, logger)
	sh := NewStatusHandler("server", "02ab", registry, router, svc).
		WithMethods(func() []string { return domain.Methods })

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", sh.GetStatus)
	mux.HandleFunc("GET /api/peers", sh.ListPeers)
	mux.HandleFunc("GET /api/peers/{id}", sh.GetPeer)
	mux.HandleFunc("GET /api/auctions/{item}", ah.GetAuction)
	mux.HandleFunc("GET /api/auctions/{item}/state", ah.GetState)
	mux.HandleFunc("GET /api/auctions/{item}/bids", ah.ListBids)
	mux.HandleFunc("GET /api/auctions/{item}/closure", ah.GetClosure)
	mux.HandleFunc("POST /api/auctions", ah.OpenAuction)
	mux.HandleFunc("POST /api/bids", ah.MakeBid)
	mux.HandleFunc("POST /api/closures", ah.CloseAuction)
	return &fixture{mux: mux, svc: svc, machine: machine, registry: registry}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestAuctionHandler_Lifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/auctions", `{"item":"Pic#1","price":"75 USDt"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "Pic#1", body["item"])

	code, body = f.do(t, http.MethodPost, "/api/auctions", `{"item":"Pic#1","price":"75 USDt"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "already_open", body["kind"])

	code, _ = f.do(t, http.MethodPost, "/api/bids", `{"item":"Pic#1","bidder":"Client#2","amount":"75 USDt"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(t, http.MethodPost, "/api/bids", `{"auction":"Pic#1","clientId":"Client#2","amount":"80 USDt"}`)
	require.Equal(t, http.StatusCreated, code)

	// "#" must be escaped in the path.
	code, body = f.do(t, http.MethodGet, "/api/auctions/Pic%231", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "75 USDt", body["price"])

	code, body = f.do(t, http.MethodGet, "/api/auctions/Pic%231/bids", "")
	require.Equal(t, http.StatusOK, code)
	bids := body["bids"].([]any)
	require.Len(t, bids, 1)
	assert.Equal(t, "80 USDt", bids[0].(map[string]any)["amount"])

	code, _ = f.do(t, http.MethodGet, "/api/auctions/Pic%231/closure", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodPost, "/api/closures", `{"auction":"Pic#1","winner":"Client#2","finalPrice":"80 USDt"}`)
	require.Equal(t, http.StatusCreated, code)

	code, body = f.do(t, http.MethodGet, "/api/auctions/Pic%231/closure", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "80 USDt", body["finalPrice"])

	code, _ = f.do(t, http.MethodGet, "/api/auctions/Pic%231", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/api/auctions/Pic%231/state", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "closed", body["state"])

	code, body = f.do(t, http.MethodPost, "/api/bids", `{"item":"Pic#1","bidder":"Client#3","amount":"90 USDt"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "auction_closed", body["kind"])
}

func TestAuctionHandler_Rejections(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/closures", `{"auction":"Ghost","winner":"x","finalPrice":"1"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "auction_not_found", body["kind"])

	code, body = f.do(t, http.MethodPost, "/api/auctions", `{"item":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "decode", body["kind"])

	code, _ = f.do(t, http.MethodPost, "/api/auctions", strings.Repeat("x", maxBodySize+1))
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodGet, "/api/auctions/Nothing/bids", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["bids"])

	assert.Equal(t, uint64(2), f.svc.Stats().Rejected, "oversized bodies never reach the ledger")
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/auctions", `{"item":"Pic#1","price":"75 USDt"}`)

	code, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "server", body["mode"])
	assert.Equal(t, "02ab", body["peer_key"])
	assert.EqualValues(t, 0, body["peers_connected"])
	assert.EqualValues(t, 1, body["operations"].(map[string]any)["accepted"])

	methods, ok := body["methods"].([]any)
	require.True(t, ok, "status lists the transport methods")
	assert.Len(t, methods, len(domain.Methods))

	code, body = f.do(t, http.MethodGet, "/api/peers", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])
	assert.NotNil(t, body["peers"])

	code, _ = f.do(t, http.MethodGet, "/api/peers/s1", "")
	assert.Equal(t, http.StatusNotFound, code)

	f.registry.Add(stubSession{id: "s1", key: "02cd"})
	code, body = f.do(t, http.MethodGet, "/api/peers/s1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "s1", body["session_id"])
	assert.Equal(t, "02cd", body["peer_key"])
}

type stubSession struct{ id, key string }

func (s stubSession) ID() string                                   { return s.id }
func (s stubSession) PeerKey() string                              { return s.key }
func (s stubSession) RemoteAddr() string                           { return "127.0.0.1:0" }
func (s stubSession) Notify(context.Context, string, []byte) error { return nil }

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler(discardLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.WithCheck("ledger", func(context.Context) error { return nil }).
		WithCheck("cache", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["ledger"])
	assert.Equal(t, "connection refused", body.Checks["cache"])
}

type fakeJournal struct {
	entries []service.JournalEntry
	err     error
	gotLast string
	gotN    int
}

func (f *fakeJournal) Journal(_ context.Context, lastID string, count int) ([]service.JournalEntry, error) {
	f.gotLast, f.gotN = lastID, count
	return f.entries, f.err
}

func TestJournalHandler(t *testing.T) {
	j := &fakeJournal{entries: []service.JournalEntry{
		{ID: "1-0", Method: domain.MethodOpenAuction, Record: json.RawMessage(`{"item":"Pic#1"}`)},
		{ID: "2-0", Method: domain.MethodMakeBid, Record: json.RawMessage(`{"item":"Pic#1"}`)},
	}}
	h := NewJournalHandler(j, discardLogger())

	rec := httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal?count=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", j.gotLast)
	assert.Equal(t, 1000, j.gotN)

	var body struct {
		Entries []service.JournalEntry `json:"entries"`
		Next    string                 `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Entries, 2)
	assert.Equal(t, "2-0", body.Next)

	j.err = errors.New("redis down")
	rec = httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal?after=2-0", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "2-0", j.gotLast)
}

type fakeAudit struct {
	entries []domain.AuditEntry
	err     error
	got     domain.ListOpts
}

func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.got = opts
	return f.entries, f.err
}

func TestAuditHandler(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &fakeAudit{entries: []domain.AuditEntry{
		{ID: 2, Event: "auction_closed", Detail: map[string]any{"item": "Pic#1"}, CreatedAt: at},
		{ID: 1, Event: "auction_opened", Detail: map[string]any{"item": "Pic#1"}, CreatedAt: at},
	}}
	h := NewAuditHandler(a, discardLogger())

	rec := httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=10&offset=20&since=2026-03-01T00:00:00Z", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, a.got.Limit)
	assert.Equal(t, 20, a.got.Offset)
	require.NotNil(t, a.got.Since)
	assert.True(t, a.got.Since.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, a.got.Until)

	var body struct {
		Entries []domain.AuditEntry `json:"entries"`
		Limit   int                 `json:"limit"`
		Offset  int                 `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, "auction_closed", body.Entries[0].Event)
	assert.Equal(t, "Pic#1", body.Entries[0].Detail["item"])
	assert.Equal(t, 20, body.Offset)

	rec = httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 500, a.got.Limit)
	assert.Zero(t, a.got.Offset)

	for _, q := range []string{"offset=-1", "offset=abc", "since=yesterday", "until=2026-13-01"} {
		rec = httptest.NewRecorder()
		h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}

	a.err = errors.New("pg down")
	a.entries = nil
	rec = httptest.NewRecorder()
	h.ListEntries(rec, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakeLocator struct {
	obj domain.SnapshotObject
	err  error
}

func (f fakeLocator) Latest(context.Context) (domain.SnapshotObject, error) { return f.obj, f.err }

func TestSnapshotHandler(t *testing.T) {
	trigger := make(chan struct{}, 1)
	h := NewSnapshotHandler(trigger, fakeLocator{err: domain.ErrNotFound}, discardLogger())

	rec := httptest.NewRecorder()
	h.TriggerSnapshot(rec, httptest.NewRequest(http.MethodPost, "/api/snapshots", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "queued")

	rec = httptest.NewRecorder()
	h.TriggerSnapshot(rec, httptest.NewRequest(http.MethodPost, "/api/snapshots", nil))
	assert.Contains(t, rec.Body.String(), "pending")
	assert.Len(t, trigger, 1)

	rec = httptest.NewRecorder()
	h.LatestSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h = NewSnapshotHandler(trigger, fakeLocator{obj: domain.SnapshotObject{Key: "snapshots/02ab/x.jsonl", Size: 10}}, discardLogger())
	rec = httptest.NewRecorder()
	h.LatestSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshots/latest", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapshots/02ab/x.jsonl")
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusForKind(domain.KindAlreadyOpen))
	assert.Equal(t, http.StatusConflict, statusForKind(domain.KindAuctionClosed))
	assert.Equal(t, http.StatusNotFound, statusForKind(domain.KindAuctionNotFound))
	assert.Equal(t, http.StatusBadRequest, statusForKind(domain.KindDecode))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(domain.KindStorage))
	assert.Equal(t, http.StatusInternalServerError, statusForKind(domain.KindInternal))
}
