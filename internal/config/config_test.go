package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auctiond.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[node]
mode = "client"

[client]
server_url = "ws://auction.example:8080/rpc"
reconnect_delay = "500ms"

[lock]
backend = "redis"
ttl = "3s"
`), 0o600))

	t.Setenv("AUCTIOND_CLIENT_DEMO", "true")
	t.Setenv("AUCTIOND_REDIS_ADDR", "cache:6379")
	t.Setenv("AUCTIOND_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("AUCTIOND_RPC_MAX_MESSAGE_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "client", cfg.Node.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.ReconnectDelay.Duration)
	assert.Equal(t, 3*time.Second, cfg.Lock.TTL.Duration)
	assert.True(t, cfg.Client.Demo)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(64*1024), cfg.RPC.MaxMessageSize, "unparseable overrides are ignored")
	assert.True(t, cfg.NeedsRedis())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Node.Mode)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[node\nmode = "), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Node.Mode = "relay"
	cfg.Ledger.Backend = "sqlite"
	cfg.Lock.TTL = duration{}
	cfg.Broadcast.MaxInFlight = 0
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"relay", "sqlite", "ttl", "max_in_flight", "loud"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.Backend = "postgres"
	cfg.Postgres.Host = ""
	cfg.Postgres.PoolMinConns = 50
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: host")
	assert.Contains(t, err.Error(), "pool_min_conns")

	cfg = Defaults()
	cfg.Ledger.Backend = "postgres"
	cfg.Postgres.Host = ""
	cfg.Postgres.DSN = "postgres://u:p@db/auctions"
	require.NoError(t, cfg.Validate())

	cfg = Defaults()
	cfg.Snapshot.Enabled = true
	cfg.S3.Bucket = ""
	assert.ErrorContains(t, cfg.Validate(), "s3: bucket")

	cfg = Defaults()
	cfg.Node.Mode = "client"
	cfg.Client.ServerKey = "abcd"
	assert.ErrorContains(t, cfg.Validate(), "server_key")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Identity.SeedPassword = "seed-secret"
	cfg.Notify.Events = []string{"auction_closed"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Equal(t, redacted, out.Identity.SeedPassword)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "auction_closed", cfg.Notify.Events[0])
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
