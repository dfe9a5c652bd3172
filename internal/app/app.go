// Package app runs one auction mesh node. It wires the configured backends
// and starts either the server role, which accepts peers and orders the
// ledger, or the client role, which dials a server and mirrors it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/auctionmesh/internal/config"
)

const (
	modeServer = "server"
	modeClient = "client"
)

// App owns the configuration and the cleanup functions of a running node.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	closers []func()
}

// New creates an App. Nothing is dialled until Run.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks in the configured mode until ctx is
// cancelled or the mode fails. Resources are released by Close.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Node.Mode)
	if mode != modeServer && mode != modeClient {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Node.Mode)
	}
	a.logger.InfoContext(ctx, "app: starting node",
		slog.String("mode", mode),
		slog.String("name", a.cfg.Node.Name),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	if mode == modeServer {
		return a.ServerMode(ctx, deps)
	}
	return a.ClientMode(ctx, deps)
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close runs the cleanup functions in reverse order. Later calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	if len(closers) == 0 {
		return
	}
	a.logger.Info("app: releasing resources", slog.Int("closers", len(closers)))
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}
