package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/auctionmesh/internal/blob/s3"
	"github.com/alanyoungcy/auctionmesh/internal/broadcast"
	"github.com/alanyoungcy/auctionmesh/internal/identity"
	"github.com/alanyoungcy/auctionmesh/internal/ledger"
	"github.com/alanyoungcy/auctionmesh/internal/peer"
	"github.com/alanyoungcy/auctionmesh/internal/rpc"
	"github.com/alanyoungcy/auctionmesh/internal/server"
	"github.com/alanyoungcy/auctionmesh/internal/server/handler"
	"github.com/alanyoungcy/auctionmesh/internal/server/ws"
	"github.com/alanyoungcy/auctionmesh/internal/service"
)

// shutdownTimeout bounds the HTTP listener drain on shutdown.
const shutdownTimeout = 10 * time.Second

// serverNode is everything ServerMode runs, built before anything starts.
type serverNode struct {
	id       *identity.Identity
	machine  *ledger.Machine
	svc      *service.AuctionService
	router   *broadcast.Router
	registry *peer.Registry
	rpc      *rpc.Server
	hub      *ws.Hub
	http     *server.Server
	archiver *s3blob.Archiver
	trigger  chan struct{}
}

// loadIdentity derives the node key from the seed kept in the ledger store.
func (a *App) loadIdentity(ctx context.Context, deps *Dependencies) (*identity.Identity, error) {
	seed, err := identity.LoadOrCreateSeed(ctx, deps.Ledger, identity.SeedKey, a.cfg.Identity.SeedPassword)
	if err != nil {
		return nil, err
	}
	id, err := identity.FromSeed(seed)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "node identity loaded",
		slog.String("peer_key", id.PublicKeyHex()),
		slog.String("address", id.Address().Hex()),
	)
	return id, nil
}

// nodeName labels notifications; it defaults to the first bytes of the key.
func (a *App) nodeName(id *identity.Identity) string {
	if a.cfg.Node.Name != "" {
		return a.cfg.Node.Name
	}
	key := id.PublicKeyHex()
	if len(key) > 10 {
		key = key[:10]
	}
	return key
}

func (a *App) sessionConfig() rpc.SessionConfig {
	return rpc.SessionConfig{
		SendBuffer:     a.cfg.RPC.SendBuffer,
		MaxMessageSize: a.cfg.RPC.MaxMessageSize,
	}
}

// newServerNode builds the authoritative node: ledger, router, transport,
// event feed, optional snapshots and the HTTP API.
func (a *App) newServerNode(ctx context.Context, deps *Dependencies) (*serverNode, error) {
	id, err := a.loadIdentity(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("app: identity: %w", err)
	}

	registry := peer.NewRegistry(a.logger)
	router := broadcast.NewRouter(registry, a.cfg.Broadcast.MaxInFlight, a.cfg.Broadcast.SendTimeout.Duration, a.logger)
	machine := ledger.NewMachine(deps.Ledger, deps.Locks, a.cfg.Lock.TTL.Duration, a.logger)

	svc := service.NewAuctionService(machine, router, a.logger).
		WithEvents(deps.Events, a.cfg.Events.Channel)
	if deps.Journal != nil {
		svc.WithJournal(deps.Journal, a.cfg.Journal.Stream)
	}
	if deps.Audit != nil {
		svc.WithAudit(deps.Audit)
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		svc.WithNotifier(deps.Notifier.WithSource(a.nodeName(id)))
	}

	mux := rpc.NewMux()
	svc.Register(mux)
	rpcServer := rpc.NewServer(mux, registry, id, rpc.ServerConfig{
		Session:          a.sessionConfig(),
		HandshakeTimeout: a.cfg.RPC.HandshakeTimeout.Duration,
	}, a.logger)

	startedAt := time.Now().UTC()
	hub := ws.NewHub(deps.Events, ws.Config{
		Channel:   a.cfg.Events.Channel,
		Mode:      modeServer,
		PeerKey:   id.PublicKeyHex(),
		StartedAt: startedAt,
	}, a.logger)

	node := &serverNode{
		id:       id,
		machine:  machine,
		svc:      svc,
		router:   router,
		registry: registry,
		rpc:      rpcServer,
		hub:      hub,
	}

	health := handler.NewHealthHandler(a.logger)
	for name, check := range deps.Checks {
		health.WithCheck(name, check)
	}
	handlers := server.Handlers{
		Health:   health,
		Status:   handler.NewStatusHandler(modeServer, id.PublicKeyHex(), registry, router, svc).WithMethods(mux.Methods),
		Auctions: handler.NewAuctionHandler(svc, machine, a.logger),
		Peers:    rpcServer.HandleWS,
		Events:   hub.HandleWS,
	}
	if deps.Journal != nil {
		handlers.Journal = handler.NewJournalHandler(svc, a.logger)
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}

	if deps.Snapshots != nil {
		node.archiver = s3blob.NewArchiver(deps.Snapshots, machine, id.PublicKeyHex(), a.logger)
		if deps.Audit != nil {
			node.archiver.WithAudit(deps.Audit)
		}
		// One pending request is enough; further triggers coalesce into it.
		node.trigger = make(chan struct{}, 1)
		handlers.Snapshots = handler.NewSnapshotHandler(node.trigger, node.archiver, a.logger)

		if a.cfg.Snapshot.RestoreOnStart {
			if err := a.restoreSnapshot(ctx, machine, node.archiver); err != nil {
				return nil, err
			}
		}
	}

	node.http = server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		TrustProxy:  a.cfg.Server.TrustProxy,
	}, handlers, deps.RateLimiter, a.logger)

	return node, nil
}

// restoreSnapshot loads the newest snapshot into an empty ledger. A ledger
// that already holds records is left alone.
func (a *App) restoreSnapshot(ctx context.Context, machine *ledger.Machine, archiver *s3blob.Archiver) error {
	existing, err := machine.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: restore: read ledger: %w", err)
	}
	if len(existing) > 0 {
		a.logger.InfoContext(ctx, "snapshot restore skipped, ledger not empty",
			slog.Int("entries", len(existing)),
		)
		return nil
	}
	n, err := archiver.Restore(ctx)
	if err != nil {
		return fmt.Errorf("app: restore: %w", err)
	}
	a.logger.InfoContext(ctx, "snapshot restore finished", slog.Int("entries", n))
	return nil
}

// ServerMode runs the authoritative node until ctx is cancelled. Teardown
// order: stop accepting HTTP, close peer sessions, drain broadcasts and
// background journal writes. The stores are released by App.Close after
// this returns.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode", slog.String("addr", a.cfg.Server.Addr))

	node, err := a.newServerNode(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return node.hub.Run(ctx)
	})

	if node.archiver != nil {
		g.Go(func() error {
			return node.archiver.Run(ctx, a.cfg.Snapshot.Interval.Duration, node.trigger)
		})
	}

	g.Go(func() error {
		return node.http.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		err := node.http.Shutdown(shutdownCtx)
		node.rpc.Shutdown()
		node.router.Wait()
		node.router.Close()
		node.svc.Wait()

		stats := node.svc.Stats()
		dispatch := node.router.Stats()
		a.logger.Info("server mode stopped",
			slog.Uint64("accepted", stats.Accepted),
			slog.Uint64("rejected", stats.Rejected),
			slog.Uint64("delivered", dispatch.Delivered),
			slog.Uint64("failed", dispatch.Failed),
		)
		return err
	})

	return g.Wait()
}

// ClientMode connects to the configured server, mirrors the operations it
// forwards into the local ledger and optionally plays the demo scenario.
func (a *App) ClientMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting client mode", slog.String("server_url", a.cfg.Client.ServerURL))

	id, err := a.loadIdentity(ctx, deps)
	if err != nil {
		return fmt.Errorf("app: identity: %w", err)
	}

	mirror := ledger.NewMachine(deps.Ledger, deps.Locks, a.cfg.Lock.TTL.Duration, a.logger)
	observer := service.NewObserver(mirror, a.logger)
	mux := rpc.NewMux()
	observer.Register(mux)

	client := rpc.NewClient(rpc.ClientConfig{
		URL:               a.cfg.Client.ServerURL,
		ServerKey:         a.cfg.Client.ServerKey,
		Session:           a.sessionConfig(),
		HandshakeTimeout:  a.cfg.RPC.HandshakeTimeout.Duration,
		ReconnectDelay:    a.cfg.Client.ReconnectDelay.Duration,
		MaxReconnectDelay: a.cfg.Client.MaxReconnectDelay.Duration,
	}, mux, id, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(ctx)
	})

	if a.cfg.Client.Demo {
		g.Go(func() error {
			if err := client.WaitConnected(ctx); err != nil {
				return nil
			}
			a.logger.InfoContext(ctx, "running demo scenario", slog.String("server_key", client.ServerKey()))
			err := service.NewAuctionClient(client, a.logger).RunDemo(ctx)
			switch {
			case err == nil:
				a.logger.InfoContext(ctx, "demo scenario finished")
			case errors.Is(err, context.Canceled):
			default:
				// A rejection is reported, not fatal; the node keeps observing.
				a.logger.WarnContext(ctx, "demo scenario stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	return g.Wait()
}
