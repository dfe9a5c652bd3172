package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/auctionmesh/internal/blob/s3"
	"github.com/alanyoungcy/auctionmesh/internal/cache/redis"
	"github.com/alanyoungcy/auctionmesh/internal/config"
	"github.com/alanyoungcy/auctionmesh/internal/domain"
	"github.com/alanyoungcy/auctionmesh/internal/notify"
	"github.com/alanyoungcy/auctionmesh/internal/server/handler"
	"github.com/alanyoungcy/auctionmesh/internal/store/memory"
	"github.com/alanyoungcy/auctionmesh/internal/store/postgres"
)

// eventBusBuffer is the per-subscriber buffer of the in-process event bus.
const eventBusBuffer = 128

// Dependencies bundles every backend the modes need. It is constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Ledger holds auction records and the node identity seed.
	Ledger domain.LedgerStore
	// Locks is nil when per-item locking stays in-process.
	Locks domain.LockManager

	// Optional collaborators; nil when not configured.
	Audit       domain.AuditStore
	Journal     domain.EventJournal
	RateLimiter domain.RateLimiter
	Snapshots   domain.SnapshotBucket

	Events   domain.EventBus
	Notifier *notify.Notifier

	// Checks are reported by GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs the backends selected by cfg and returns them together with
// a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- PostgreSQL (ledger backend and/or audit log) ---
	if cfg.Ledger.Backend == "postgres" || cfg.Postgres.Audit {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		if cfg.Ledger.Backend == "postgres" {
			deps.Ledger = postgres.NewLedgerStore(pool)
		}
		if cfg.Postgres.Audit {
			deps.Audit = postgres.NewAuditStore(pool)
		}
		deps.Checks["postgres"] = pgClient.Ping
		logger.InfoContext(ctx, "wire: postgres connected",
			slog.Bool("ledger", cfg.Ledger.Backend == "postgres"),
			slog.Bool("audit", cfg.Postgres.Audit),
		)
	}

	// --- Redis (only dialled when a component uses it) ---
	if cfg.NeedsRedis() {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		if cfg.Ledger.Backend == "redis" {
			deps.Ledger = redis.NewLedgerStore(redisClient)
		}
		if cfg.Lock.Backend == "redis" {
			deps.Locks = redis.NewLockManager(redisClient)
		}
		if cfg.Journal.Enabled {
			deps.Journal = redis.NewJournal(redisClient, cfg.Journal.MaxLen)
		}
		if cfg.Events.Backend == "redis" {
			deps.Events = redis.NewEventBus(redisClient)
		}
		if cfg.Server.RateLimit > 0 {
			deps.RateLimiter = redis.NewRateLimiter(redisClient)
		}
		deps.Checks["redis"] = redisClient.Ping
		logger.InfoContext(ctx, "wire: redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	if deps.Ledger == nil {
		deps.Ledger = memory.NewLedgerStore()
	}
	if deps.Events == nil {
		deps.Events = memory.NewEventBus(eventBusBuffer)
	}

	// --- S3 blob storage (snapshots) ---
	if cfg.Snapshot.Enabled {
		bucket, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Snapshots = bucket
		deps.Checks["s3"] = bucket.Health
		logger.Info("wire: snapshot bucket configured", slog.String("bucket", bucket.Name()))
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "wire: dependencies ready",
		slog.String("ledger", cfg.Ledger.Backend),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("events", cfg.Events.Backend),
		slog.Bool("journal", deps.Journal != nil),
		slog.Bool("snapshots", deps.Snapshots != nil),
		slog.Bool("notify", deps.Notifier.Enabled()),
	)
	return deps, cleanup, nil
}
