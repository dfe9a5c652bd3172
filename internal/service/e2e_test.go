package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/auctionmesh/internal/broadcast"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/identity"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/peer"
	"github.com/alanyoungcy/auctionmesh/internal/rpc"
	"github.com/alanyoungcy/auctionmesh/internal/store/memory"
)

type node struct {
	client   *rpc.Client
	observer *Observer
	events   chan ledger.Result
}

func TestEndToEnd_DemoFanOut(t *testing.T) {
	logger := discardLogger()
	serverID, err := identity.FromSeed(bytes.Repeat([]byte{42}, identity.SeedSize))
	require.NoError(t, err)

	store := memory.NewLedgerStore()
	registry := peer.NewRegistry(logger)
	router := broadcast.NewRouter(registry, 8, time.Second, logger)
	svc := NewAuctionService(ledger.NewMachine(store, nil, 0, logger), router, logger)
	mux := rpc.NewMux()
	svc.Register(mux)
	srv := rpc.NewServer(mux, registry, serverID, rpc.ServerConfig{}, logger)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()
	defer srv.Shutdown()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes := make([]*node, 3)
	for i := range nodes {
		id, err := identity.FromSeed(bytes.Repeat([]byte{byte(i + 1)}, identity.SeedSize))
		require.NoError(t, err)
		n := &node{events: make(chan ledger.Result, 16)}
		n.observer = NewObserver(ledger.NewMachine(memory.NewLedgerStore(), nil, 0, logger), logger).WithEvents(n.events)
		cmux := rpc.NewMux()
		n.observer.Register(cmux)
		n.client = rpc.NewClient(rpc.ClientConfig{URL: url, ServerKey: serverID.PublicKeyHex()}, cmux, id, logger)
		require.NoError(t, n.client.Connect(ctx))
		defer n.client.Close()
		nodes[i] = n
	}
	require.Eventually(t, func() bool { return registry.Len() == 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, NewAuctionClient(nodes[0].client, logger).RunDemo(ctx))
	router.Wait()

	// The originator gets nothing back; every other client sees all six
	// operations, in whatever order they arrive.
	for _, n := range nodes[1:] {
		counts := map[string]int{}
		for i := 0; i < 6; i++ {
			select {
			case res := <-n.events:
				counts[res.Method]++
			case <-ctx.Done():
				t.Fatalf("only %d forwarded operations arrived", i)
			}
		}
		assert.Equal(t, map[string]int{
			domain.MethodOpenAuction:  2,
			domain.MethodMakeBid:      3,
			domain.MethodCloseAuction: 1,
		}, counts)
	}
	select {
	case res := <-nodes[0].events:
		t.Fatalf("originator received its own %s", res.Method)
	case <-time.After(100 * time.Millisecond):
	}

	// Authoritative ledger after the demo.
	m := svc.Machine()
	state, err := m.State(ctx, "Pic#1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, state)
	state, err = m.State(ctx, "Pic#2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, state)
	bids, err := m.Bids(ctx, "Pic#1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Bid{
		{Item: "Pic#1", Bidder: "Client#2", Amount: "80 USDt"},
		{Item: "Pic#1", Bidder: "Client#3", Amount: "75.5 USDt"},
	}, bids)

	// Rejections reach the requester with their kind and are not forwarded.
	ac := NewAuctionClient(nodes[1].client, logger)
	err = ac.OpenAuction(ctx, domain.Auction{Item: "Pic#2", Price: "1 USDt"})
	assert.ErrorIs(t, err, domain.ErrAlreadyOpen)
	err = ac.MakeBid(ctx, domain.Bid{Item: "Pic#1", Bidder: "Client#4", Amount: "99 USDt"})
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
	err = ac.CloseAuction(ctx, domain.AuctionClosure{Auction: "Pic#9", Winner: "x"})
	assert.ErrorIs(t, err, domain.ErrAuctionNotFound)
	router.Wait()
	assert.Equal(t, uint64(12), router.Stats().Delivered)
}

func TestEndToEnd_ObserverMirrorStaysInOrder(t *testing.T) {
	logger := discardLogger()
	serverID, err := identity.FromSeed(bytes.Repeat([]byte{43}, identity.SeedSize))
	require.NoError(t, err)

	registry := peer.NewRegistry(logger)
	router := broadcast.NewRouter(registry, 4, time.Second, logger)
	svc := NewAuctionService(ledger.NewMachine(memory.NewLedgerStore(), nil, 0, logger), router, logger)
	mux := rpc.NewMux()
	svc.Register(mux)
	srv := rpc.NewServer(mux, registry, serverID, rpc.ServerConfig{}, logger)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	defer ts.Close()
	defer srv.Shutdown()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	connect := func(seed byte, events chan ledger.Result) (*rpc.Client, *Observer) {
		id, err := identity.FromSeed(bytes.Repeat([]byte{seed}, identity.SeedSize))
		require.NoError(t, err)
		obs := NewObserver(ledger.NewMachine(memory.NewLedgerStore(), nil, 0, logger), logger)
		if events != nil {
			obs = obs.WithEvents(events)
		}
		cmux := rpc.NewMux()
		obs.Register(cmux)
		c := rpc.NewClient(rpc.ClientConfig{URL: url, ServerKey: serverID.PublicKeyHex()}, cmux, id, logger)
		require.NoError(t, c.Connect(ctx))
		return c, obs
	}

	sender, _ := connect(1, nil)
	defer sender.Close()
	const pairs = 100
	events := make(chan ledger.Result, 2*pairs)
	watcher, mirror := connect(2, events)
	defer watcher.Close()
	require.Eventually(t, func() bool { return registry.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Workers close each auction right after opening it, so the two
	// forwards for an item are always adjacent on the wire.
	ac := NewAuctionClient(sender, logger)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < pairs; i += 4 {
				item := fmt.Sprintf("Item#%03d", i)
				assert.NoError(t, ac.OpenAuction(ctx, domain.Auction{Item: item, Price: "1 USDt"}))
				assert.NoError(t, ac.CloseAuction(ctx, domain.AuctionClosure{Auction: item, Winner: "nobody"}))
			}
		}(w)
	}
	wg.Wait()
	router.Wait()

	for i := 0; i < 2*pairs; i++ {
		select {
		case res := <-events:
			require.NoError(t, res.Err, "mirror rejected %s on %s", res.Method, res.Item)
		case <-ctx.Done():
			t.Fatalf("only %d of %d forwards reached the mirror", i, 2*pairs)
		}
	}
	for i := 0; i < pairs; i++ {
		state, err := mirror.Machine().State(ctx, fmt.Sprintf("Item#%03d", i))
		require.NoError(t, err)
		assert.Equal(t, domain.StateClosed, state)
	}
}
