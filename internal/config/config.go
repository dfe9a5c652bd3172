// Package config defines the top-level configuration for auctiond and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AUCTIOND_* environment variables.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Lock      LockConfig      `toml:"lock"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Broadcast BroadcastConfig `toml:"broadcast"`
	RPC       RPCConfig       `toml:"rpc"`
	Client    ClientConfig    `toml:"client"`
	Server    ServerConfig    `toml:"server"`
	Journal   JournalConfig   `toml:"journal"`
	Events    EventsConfig    `toml:"events"`
	Notify    NotifyConfig    `toml:"notify"`
	Identity  IdentityConfig  `toml:"identity"`
	LogLevel  string          `toml:"log_level"`
}

// NodeConfig selects the role this process plays.
type NodeConfig struct {
	// Mode is "server" (authoritative ledger) or "client" (submitter and
	// observer).
	Mode string `toml:"mode"`
	// Name labels notifications and logs; defaults to the peer key prefix.
	Name string `toml:"name"`
}

// LedgerConfig selects the ledger store backend.
type LedgerConfig struct {
	// Backend is "memory", "postgres" or "redis".
	Backend string `toml:"backend"`
}

// LockConfig selects how per-item operations are serialised.
type LockConfig struct {
	// Backend is "local" (in-process) or "redis" (shared by several nodes).
	Backend string   `toml:"backend"`
	TTL     duration `toml:"ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
	// Audit records every submission in auction_audit.
	Audit bool `toml:"audit"`
}

// RedisConfig holds Redis connection parameters. Redis is only dialled when
// some component uses it.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig controls ledger exports to S3.
type SnapshotConfig struct {
	Enabled bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
	// RestoreOnStart loads the newest snapshot into an empty ledger at boot.
	RestoreOnStart bool `toml:"restore_on_start"`
}

// BroadcastConfig bounds forwarding to peers.
type BroadcastConfig struct {
	MaxInFlight int      `toml:"max_in_flight"`
	SendTimeout duration `toml:"send_timeout"`
}

// RPCConfig tunes peer sessions on both sides of the transport.
type RPCConfig struct {
	SendBuffer       int      `toml:"send_buffer"`
	MaxMessageSize   int64    `toml:"max_message_size"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
}

// ClientConfig configures client mode.
type ClientConfig struct {
	// ServerURL is the server's websocket endpoint, e.g. ws://host:8080/rpc.
	ServerURL string `toml:"server_url"`
	// ServerKey is the server's hex public key, exchanged out of band.
	ServerKey         string   `toml:"server_key"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	// Demo runs the sample auction scenario once connected.
	Demo bool `toml:"demo"`
}

// ServerConfig configures the HTTP listener shared by the peer transport,
// the event feed and the API.
type ServerConfig struct {
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	TrustProxy  bool     `toml:"trust_proxy"`
}

// JournalConfig controls the redis stream of accepted operations.
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Stream  string `toml:"stream"`
	MaxLen  int64  `toml:"max_len"`
}

// EventsConfig controls the live event feed.
type EventsConfig struct {
	Channel string `toml:"channel"`
	// Backend is "memory" or "redis".
	Backend string `toml:"backend"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// IdentityConfig protects the node seed at rest.
type IdentityConfig struct {
	// SeedPassword, when set, seals the stored seed with AES-GCM.
	SeedPassword string `toml:"seed_password"`
}

// duration wraps time.Duration so it can be decoded from TOML strings
// like "30s" or "5m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Node:   NodeConfig{Mode: "server"},
		Ledger: LedgerConfig{Backend: "memory"},
		Lock:   LockConfig{Backend: "local", TTL: duration{10 * time.Second}},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "auctionmesh",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "auctionmesh-snapshots",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{Interval: duration{15 * time.Minute}},
		Broadcast: BroadcastConfig{
			MaxInFlight: 64,
			SendTimeout: duration{5 * time.Second},
		},
		RPC: RPCConfig{
			SendBuffer:       256,
			MaxMessageSize:   64 * 1024,
			HandshakeTimeout: duration{10 * time.Second},
		},
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8080/rpc",
			ReconnectDelay:    duration{2 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
		},
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateWindow:  duration{time.Minute},
		},
		Journal: JournalConfig{Stream: "auction:journal", MaxLen: 10000},
		Events:  EventsConfig{Channel: "auction:events", Backend: "memory"},
		Notify: NotifyConfig{
			Events: []string{"auction_opened", "auction_closed"},
		},
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server": true,
	"client": true,
}

var validLedgerBackends = map[string]bool{
	"memory":   true,
	"postgres": true,
	"redis":    true,
}

var validLockBackends = map[string]bool{
	"local": true,
	"redis": true,
}

var validEventBackends = map[string]bool{
	"memory": true,
	"redis":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for consistency. It returns a single
// error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Node.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("node: unknown mode %q (valid: server, client)", c.Node.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if !validLedgerBackends[c.Ledger.Backend] {
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, postgres, redis)", c.Ledger.Backend))
	}
	if !validLockBackends[c.Lock.Backend] {
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: local, redis)", c.Lock.Backend))
	}
	if c.Lock.TTL.Duration <= 0 {
		errs = append(errs, "lock: ttl must be > 0")
	}
	if c.Ledger.Backend == "postgres" || c.Postgres.Audit {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.NeedsRedis() {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.Snapshot.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when snapshots are enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when snapshots are enabled")
		}
		if c.Snapshot.Interval.Duration < 0 {
			errs = append(errs, "snapshot: interval must not be negative")
		}
	}

	if !validEventBackends[c.Events.Backend] {
		errs = append(errs, fmt.Sprintf("events: unknown backend %q (valid: memory, redis)", c.Events.Backend))
	}
	if c.Events.Channel == "" {
		errs = append(errs, "events: channel must not be empty")
	}
	if c.Journal.Enabled && c.Journal.Stream == "" {
		errs = append(errs, "journal: stream must not be empty when enabled")
	}

	if c.Broadcast.MaxInFlight < 1 {
		errs = append(errs, "broadcast: max_in_flight must be >= 1")
	}
	if c.Broadcast.SendTimeout.Duration <= 0 {
		errs = append(errs, "broadcast: send_timeout must be > 0")
	}
	if c.RPC.MaxMessageSize < 1024 {
		errs = append(errs, "rpc: max_message_size must be >= 1024")
	}

	switch mode {
	case "server":
		if c.Server.Addr == "" {
			errs = append(errs, "server: addr must not be empty in server mode")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
	case "client":
		if c.Client.ServerURL == "" {
			errs = append(errs, "client: server_url must not be empty in client mode")
		}
		if c.Client.ServerKey != "" && len(c.Client.ServerKey) != 66 {
			errs = append(errs, "client: server_key must be a 33-byte compressed public key in hex")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NeedsRedis reports whether any enabled component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Ledger.Backend == "redis" ||
		c.Lock.Backend == "redis" ||
		c.Events.Backend == "redis" ||
		c.Journal.Enabled ||
		c.Server.RateLimit > 0
}
