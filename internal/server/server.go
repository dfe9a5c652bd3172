package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/server/handler"
	"github.com/alanyoungcy/auctionmesh/internal/server/middleware"
)

// Paths reachable without the API key. The peer transport authenticates
// with its own handshake.
const (
	PathHealth = "/api/health"
	PathRPC    = "/rpc"
	PathEvents = "/ws/events"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
	TrustProxy  bool
}

// Handlers aggregates the HTTP handlers the server registers. Journal,
// Audit, Snapshots, Peers and Events are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Auctions  *handler.AuctionHandler
	Journal   *handler.JournalHandler
	Audit     *handler.AuditHandler
	Snapshots *handler.SnapshotHandler
	Peers     http.HandlerFunc // peer transport upgrade
	Events    http.HandlerFunc // event feed upgrade
}

// Server is the node's HTTP listener: the peer transport, the event feed
// and the JSON API share one address.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
// limiter may be nil, which disables rate limiting.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+PathHealth, handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/peers", handlers.Status.ListPeers)
	mux.HandleFunc("GET /api/peers/{id}", handlers.Status.GetPeer)

	mux.HandleFunc("GET /api/auctions/{item}", handlers.Auctions.GetAuction)
	mux.HandleFunc("GET /api/auctions/{item}/state", handlers.Auctions.GetState)
	mux.HandleFunc("GET /api/auctions/{item}/bids", handlers.Auctions.ListBids)
	mux.HandleFunc("GET /api/auctions/{item}/closure", handlers.Auctions.GetClosure)
	mux.HandleFunc("POST /api/auctions", handlers.Auctions.OpenAuction)
	mux.HandleFunc("POST /api/bids", handlers.Auctions.MakeBid)
	mux.HandleFunc("POST /api/closures", handlers.Auctions.CloseAuction)

	if handlers.Journal != nil {
		mux.HandleFunc("GET /api/journal", handlers.Journal.ListEntries)
	}
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListEntries)
	}
	if handlers.Snapshots != nil {
		mux.HandleFunc("POST /api/snapshots", handlers.Snapshots.TriggerSnapshot)
		mux.HandleFunc("GET /api/snapshots/latest", handlers.Snapshots.LatestSnapshot)
	}
	if handlers.Peers != nil {
		mux.HandleFunc("GET "+PathRPC, handlers.Peers)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET "+PathEvents, handlers.Events)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, cfg.TrustProxy, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, PathHealth, PathRPC)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http_server")),
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked websocket connections are not tracked; their owners close them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
