package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type broadcastCall struct {
	originator string
	method     string
	payload    string
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, originator, method string, payload []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{originator, method, string(payload)})
	return 1
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []domain.StreamMessage
	err     error
}

func (f *fakeJournal) Append(_ context.Context, _ string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, domain.StreamMessage{ID: strconv.Itoa(len(f.entries) + 1), Payload: payload})
	return nil
}

func (f *fakeJournal) Read(_ context.Context, _ string, _ string, count int) ([]domain.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count > len(f.entries) {
		count = len(f.entries)
	}
	return append([]domain.StreamMessage(nil), f.entries[:count]...), nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (f *fakeAudit) Log(_ context.Context, event string, detail map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, domain.AuditEntry{Event: event, Detail: detail})
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AuditEntry(nil), f.entries...), nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(_ context.Context, event, title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+"|"+title+"|"+message)
	return nil
}

// unwritableStore fails every Put on a key containing bad.
type unwritableStore struct {
	domain.LedgerStore
	bad string
}

func (s *unwritableStore) Put(ctx context.Context, key string, value []byte) error {
	if strings.Contains(key, s.bad) {
		return errors.New("disk full")
	}
	return s.LedgerStore.Put(ctx, key, value)
}

func newTestService() (*AuctionService, *fakeBroadcaster, *fakeJournal, *fakeAudit, *fakeNotifier) {
	return newTestServiceOn(memory.NewLedgerStore())
}

func newTestServiceOn(store domain.LedgerStore) (*AuctionService, *fakeBroadcaster, *fakeJournal, *fakeAudit, *fakeNotifier) {
	b := &fakeBroadcaster{}
	j := &fakeJournal{}
	a := &fakeAudit{}
	n := &fakeNotifier{}
	m := ledger.NewMachine(store, nil, 0, discardLogger())
	svc := NewAuctionService(m, b, discardLogger()).
		WithJournal(j, "").
		WithAudit(a).
		WithNotifier(n)
	return svc, b, j, a, n
}

func TestSubmit_AcceptedIsForwarded(t *testing.T) {
	ctx := context.Background()
	svc, b, j, a, n := newTestService()

	res := svc.Submit(ctx, "sess-1", domain.MethodOpenAuction, []byte(`{"item":"Pic#1","price":"75 USDt"}`))
	require.True(t, res.OK(), res.Err)
	svc.Wait()

	require.Len(t, b.calls, 1)
	assert.Equal(t, broadcastCall{"sess-1", domain.MethodOpenAuction, `{"item":"Pic#1","price":"75 USDt"}`}, b.calls[0])

	entries, err := svc.Journal(ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "1", entries[0].ID)
	assert.Equal(t, domain.MethodOpenAuction, entries[0].Method)
	assert.Equal(t, "sess-1", entries[0].Originator)
	assert.JSONEq(t, `{"item":"Pic#1","price":"75 USDt"}`, string(entries[0].Record))
	assert.Len(t, j.entries, 1)

	require.Len(t, a.entries, 1)
	assert.Equal(t, "auction.openAuction", a.entries[0].Event)
	assert.Equal(t, true, a.entries[0].Detail["accepted"])

	assert.Equal(t, []string{"auction_opened|Auction opened|sell Pic#1 for 75 USDt"}, n.events)
	assert.Equal(t, Stats{Accepted: 1}, svc.Stats())
}

func TestSubmit_BidAliasIsForwardedCanonically(t *testing.T) {
	svc, b, _, _, _ := newTestService()

	res := svc.Submit(context.Background(), "", domain.MethodMakeBid, []byte(`{"auction":"Pic#1","bidder":"Client#2","amount":"75 USDt"}`))
	require.True(t, res.OK(), res.Err)
	require.Len(t, b.calls, 1)
	assert.JSONEq(t, `{"item":"Pic#1","bidder":"Client#2","amount":"75 USDt"}`, b.calls[0].payload)
}

func TestSubmit_RejectionsAreNotForwarded(t *testing.T) {
	ctx := context.Background()
	svc, b, j, a, n := newTestServiceOn(&unwritableStore{LedgerStore: memory.NewLedgerStore(), bad: "Pic#3"})

	cases := []struct {
		method  string
		payload string
		kind    domain.ErrorKind
	}{
		{domain.MethodCloseAuction, `{"auction":"Pic#1","winner":"C2","finalPrice":"80 USDt"}`, domain.KindAuctionNotFound},
		{domain.MethodOpenAuction, `garbage`, domain.KindDecode},
		{"renameAuction", `{}`, domain.KindUnknownMethod},
		{domain.MethodOpenAuction, `{"item":"Pic#3","price":"10 USDt"}`, domain.KindStorage},
	}
	for _, tc := range cases {
		res := svc.Submit(ctx, "sess-9", tc.method, []byte(tc.payload))
		assert.Equal(t, tc.kind, res.Kind(), tc.method)
	}
	svc.Wait()

	assert.Empty(t, b.calls)
	assert.Empty(t, j.entries)
	assert.Empty(t, n.events)
	require.Len(t, a.entries, 4)
	assert.Equal(t, false, a.entries[0].Detail["accepted"])
	assert.Equal(t, "auction_not_found", a.entries[0].Detail["kind"])
	assert.Equal(t, "storage", a.entries[3].Detail["kind"])
	assert.Equal(t, Stats{Rejected: 4}, svc.Stats())

	state, err := svc.Machine().State(ctx, "Pic#3")
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnopened, state, "a failed write leaves nothing behind")
}

func TestSubmit_JournalFailureDoesNotReject(t *testing.T) {
	svc, b, j, _, _ := newTestService()
	j.err = errors.New("redis down")

	res := svc.Submit(context.Background(), "", domain.MethodOpenAuction, []byte(`{"item":"Pic#2","price":"60 USDt"}`))
	assert.True(t, res.OK())
	assert.Len(t, b.calls, 1)
}

func TestSubmit_ClosedAuctionRejectsBid(t *testing.T) {
	ctx := context.Background()
	svc, b, _, _, n := newTestService()

	require.True(t, svc.Submit(ctx, "a", domain.MethodOpenAuction, []byte(`{"item":"Pic#1","price":"75 USDt"}`)).OK())
	require.True(t, svc.Submit(ctx, "a", domain.MethodCloseAuction, []byte(`{"auction":"Pic#1","winner":"C2","finalPrice":"80 USDt"}`)).OK())
	res := svc.Submit(ctx, "b", domain.MethodMakeBid, []byte(`{"item":"Pic#1","bidder":"C3","amount":"90 USDt"}`))
	svc.Wait()

	assert.ErrorIs(t, res.Err, domain.ErrAuctionClosed)
	assert.Len(t, b.calls, 2)
	assert.Contains(t, n.events, "auction_closed|Auction closed|Pic#1 sold to C2 for 80 USDt")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Client#2 bids 80 USDt on Pic#1", Describe(domain.Bid{Item: "Pic#1", Bidder: "Client#2", Amount: "80 USDt"}))
	assert.Equal(t, "x", Describe("x"))
}
