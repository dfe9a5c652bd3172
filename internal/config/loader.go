package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies AUCTIOND_* environment variable overrides, and
// returns the final Config. An empty path, or a path that does not exist,
// yields the defaults plus environment overrides. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known AUCTIOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Node ──
	setStr(&cfg.Node.Mode, "AUCTIOND_MODE")
	setStr(&cfg.Node.Name, "AUCTIOND_NODE_NAME")
	setStr(&cfg.Ledger.Backend, "AUCTIOND_LEDGER_BACKEND")
	setStr(&cfg.Lock.Backend, "AUCTIOND_LOCK_BACKEND")
	setDuration(&cfg.Lock.TTL, "AUCTIOND_LOCK_TTL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "AUCTIOND_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "AUCTIOND_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "AUCTIOND_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "AUCTIOND_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "AUCTIOND_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "AUCTIOND_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "AUCTIOND_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "AUCTIOND_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "AUCTIOND_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AUCTIOND_POSTGRES_RUN_MIGRATIONS")
	setBool(&cfg.Postgres.Audit, "AUCTIOND_POSTGRES_AUDIT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "AUCTIOND_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AUCTIOND_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AUCTIOND_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "AUCTIOND_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "AUCTIOND_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "AUCTIOND_REDIS_TLS_ENABLED")

	// ── S3 / snapshots ──
	setStr(&cfg.S3.Endpoint, "AUCTIOND_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AUCTIOND_S3_REGION")
	setStr(&cfg.S3.Bucket, "AUCTIOND_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AUCTIOND_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AUCTIOND_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AUCTIOND_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AUCTIOND_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Snapshot.Enabled, "AUCTIOND_SNAPSHOT_ENABLED")
	setDuration(&cfg.Snapshot.Interval, "AUCTIOND_SNAPSHOT_INTERVAL")
	setBool(&cfg.Snapshot.RestoreOnStart, "AUCTIOND_SNAPSHOT_RESTORE_ON_START")

	// ── Transport ──
	setInt(&cfg.Broadcast.MaxInFlight, "AUCTIOND_BROADCAST_MAX_IN_FLIGHT")
	setDuration(&cfg.Broadcast.SendTimeout, "AUCTIOND_BROADCAST_SEND_TIMEOUT")
	setInt(&cfg.RPC.SendBuffer, "AUCTIOND_RPC_SEND_BUFFER")
	setInt64(&cfg.RPC.MaxMessageSize, "AUCTIOND_RPC_MAX_MESSAGE_SIZE")
	setDuration(&cfg.RPC.HandshakeTimeout, "AUCTIOND_RPC_HANDSHAKE_TIMEOUT")

	// ── Client ──
	setStr(&cfg.Client.ServerURL, "AUCTIOND_CLIENT_SERVER_URL")
	setStr(&cfg.Client.ServerKey, "AUCTIOND_CLIENT_SERVER_KEY")
	setDuration(&cfg.Client.ReconnectDelay, "AUCTIOND_CLIENT_RECONNECT_DELAY")
	setDuration(&cfg.Client.MaxReconnectDelay, "AUCTIOND_CLIENT_MAX_RECONNECT_DELAY")
	setBool(&cfg.Client.Demo, "AUCTIOND_CLIENT_DEMO")

	// ── Server ──
	setStr(&cfg.Server.Addr, "AUCTIOND_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "AUCTIOND_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "AUCTIOND_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "AUCTIOND_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "AUCTIOND_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.TrustProxy, "AUCTIOND_SERVER_TRUST_PROXY")

	// ── Journal / events ──
	setBool(&cfg.Journal.Enabled, "AUCTIOND_JOURNAL_ENABLED")
	setStr(&cfg.Journal.Stream, "AUCTIOND_JOURNAL_STREAM")
	setInt64(&cfg.Journal.MaxLen, "AUCTIOND_JOURNAL_MAX_LEN")
	setStr(&cfg.Events.Channel, "AUCTIOND_EVENTS_CHANNEL")
	setStr(&cfg.Events.Backend, "AUCTIOND_EVENTS_BACKEND")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "AUCTIOND_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "AUCTIOND_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "AUCTIOND_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "AUCTIOND_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Identity.SeedPassword, "AUCTIOND_SEED_PASSWORD")
	setStr(&cfg.LogLevel, "AUCTIOND_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
