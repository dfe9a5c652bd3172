package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/identity"
	"github.com/alanyoungcy/auctionmesh/internal/peer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity(t *testing.T, b byte) *identity.Identity {
	t.Helper()
	id, err := identity.FromSeed(bytes.Repeat([]byte{b}, identity.SeedSize))
	require.NoError(t, err)
	return id
}

type harness struct {
	server    *Server
	serverID  *identity.Identity
	serverMux *Mux
	registry  *peer.Registry
	url       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		serverID:  testIdentity(t, 1),
		serverMux: NewMux(),
		registry:  peer.NewRegistry(discardLogger()),
	}
	h.server = NewServer(h.serverMux, h.registry, h.serverID, ServerConfig{}, discardLogger())
	ts := httptest.NewServer(http.HandlerFunc(h.server.HandleWS))
	t.Cleanup(func() {
		h.server.Shutdown()
		ts.Close()
	})
	h.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/rpc"
	return h
}

func (h *harness) dial(t *testing.T, mux *Mux, serverKey string) *Client {
	t.Helper()
	if mux == nil {
		mux = NewMux()
	}
	c := NewClient(ClientConfig{URL: h.url, ServerKey: serverKey}, mux, testIdentity(t, 2), discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return h.registry.Len() > 0 }, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestRequest_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.serverMux.Respond("echo", func(_ context.Context, req *Request) ([]byte, error) {
		return bytes.ToUpper(req.Payload), nil
	})
	c := h.dial(t, nil, h.serverID.PublicKeyHex())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Request(ctx, "echo", []byte(`{"item":"pic#1"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"ITEM":"PIC#1"}`, string(out))
	assert.Equal(t, h.serverID.PublicKeyHex(), c.ServerKey())
}

func TestRequest_MalformedPayloadReachesHandler(t *testing.T) {
	h := newHarness(t)
	got := make(chan []byte, 1)
	h.serverMux.Respond(domain.MethodOpenAuction, func(_ context.Context, req *Request) ([]byte, error) {
		got <- req.Payload
		return nil, fmt.Errorf("codec: %w", domain.ErrDecode)
	})
	c := h.dial(t, nil, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, domain.MethodOpenAuction, []byte(`{"item":`))
	require.ErrorIs(t, err, domain.ErrDecode)
	assert.Equal(t, `{"item":`, string(<-got))
}

func TestRequest_RejectionKinds(t *testing.T) {
	h := newHarness(t)
	h.serverMux.Respond(domain.MethodOpenAuction, func(context.Context, *Request) ([]byte, error) {
		return nil, fmt.Errorf("ledger: open: %w", domain.ErrAlreadyOpen)
	})
	c := h.dial(t, nil, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.Request(ctx, domain.MethodOpenAuction, []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrAlreadyOpen)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, domain.KindAlreadyOpen, remote.Kind)
	assert.Contains(t, remote.Message, "auction already open")

	_, err = c.Request(ctx, "noSuchMethod", nil)
	assert.ErrorIs(t, err, domain.ErrUnknownMethod)
}

func TestNotify_ServerToClient(t *testing.T) {
	h := newHarness(t)
	got := make(chan string, 1)
	clientMux := NewMux()
	clientMux.Respond(domain.MethodMakeBid, func(_ context.Context, req *Request) ([]byte, error) {
		assert.True(t, req.OneWay)
		got <- string(req.Payload)
		return nil, nil
	})
	h.dial(t, clientMux, "")

	sessions := h.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, testIdentity(t, 2).PublicKeyHex(), sessions[0].PeerKey())
	require.NoError(t, sessions[0].Notify(context.Background(), domain.MethodMakeBid, []byte(`{"item":"Pic#1"}`)))

	select {
	case p := <-got:
		assert.Equal(t, `{"item":"Pic#1"}`, p)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestNotify_HandledInArrivalOrder(t *testing.T) {
	h := newHarness(t)
	const n = 200
	var (
		mu  sync.Mutex
		got []string
	)
	clientMux := NewMux()
	clientMux.Respond(domain.MethodMakeBid, func(_ context.Context, req *Request) ([]byte, error) {
		// Stall on every other frame so a concurrent dispatcher would reorder.
		if req.Payload[len(req.Payload)-1]%2 == 0 {
			time.Sleep(200 * time.Microsecond)
		}
		mu.Lock()
		got = append(got, string(req.Payload))
		mu.Unlock()
		return nil, nil
	})
	h.dial(t, clientMux, "")

	sessions := h.registry.List()
	require.Len(t, sessions, 1)
	var want []string
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("bid-%03d", i)
		want = append(want, p)
		require.NoError(t, sessions[0].Notify(context.Background(), domain.MethodMakeBid, []byte(p)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestClient_CloseDuringSlowDial(t *testing.T) {
	release := make(chan struct{})
	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer stall.Close()
	defer close(release)

	c := NewClient(ClientConfig{
		URL:              "ws" + strings.TrimPrefix(stall.URL, "http"),
		HandshakeTimeout: 10 * time.Second,
	}, NewMux(), testIdentity(t, 2), discardLogger())

	connectErr := make(chan error, 1)
	go func() { connectErr <- c.Connect(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	assert.Nil(t, c.Session())
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), time.Second, "Close waited for the dial")

	select {
	case err := <-connectErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not abort after Close")
	}
	assert.Error(t, c.Connect(context.Background()))
}

func TestHandshake_WrongServerKey(t *testing.T) {
	h := newHarness(t)
	c := NewClient(ClientConfig{URL: h.url, ServerKey: testIdentity(t, 9).PublicKeyHex()}, NewMux(), testIdentity(t, 2), discardLogger())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Connect(ctx)
	require.ErrorIs(t, err, domain.ErrHandshake)
	assert.Equal(t, 0, h.registry.Len())
}

func TestDisconnect_RemovesFromRegistry(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil, "")

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.Request(ctx, "echo", nil)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestShutdown_ClosesSessions(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil, "")
	sess := c.Session()

	h.server.Shutdown()
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client session still open after server shutdown")
	}
	assert.Equal(t, 0, h.registry.Len())
	assert.Equal(t, 0, h.server.SessionCount())
}

func TestSession_NotifyAfterClose(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t, nil, "")
	sess := c.Session()
	require.NoError(t, sess.Close())
	assert.ErrorIs(t, sess.Notify(context.Background(), "x", nil), domain.ErrSessionClosed)
}
