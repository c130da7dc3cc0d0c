package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8003", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 4*time.Hour, cfg.Server.MaxConnectionDuration)
	assert.True(t, cfg.Flow.Enabled)
	assert.Equal(t, time.Second, cfg.Flow.DefaultMaxWait)
	assert.False(t, cfg.Ledger.AllowNegativeCash)
	assert.True(t, decimal.RequireFromString("1.00").Equal(cfg.Ledger.Commission))
	assert.Equal(t, 5, cfg.Ledger.SlippageBps)
	assert.Equal(t, "pebble", cfg.Storage.Journal)
	assert.Empty(t, cfg.Kafka.Brokers)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SERVER_ADDR=:9100\nLOG_LEVEL=debug\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("SERVER_ADDR")
		os.Unsetenv("LOG_LEVEL")
	})

	// the environment wins over the file
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LEDGER_ALLOW_NEGATIVE_CASH", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FLOW_DEFAULT_MAX_WAIT", "250ms")
	t.Setenv("AUTH_API_KEYS", "sk-a:alice:professional,sk-b:bob")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Ledger.AllowNegativeCash)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Flow.DefaultMaxWait)
	assert.Len(t, cfg.Auth.APIKeys, 2)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnvBadValue(t *testing.T) {
	t.Setenv("SERVER_MAX_SESSIONS", "many")
	_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero burst", func(c *Config) { c.Server.TickBurst = 0 }},
		{"zero pending", func(c *Config) { c.Flow.MaxPendingTicks = 0 }},
		{"bad timeframe", func(c *Config) { c.Flow.DefaultTimeframe = "3min" }},
		{"negative commission", func(c *Config) { c.Ledger.Commission = decimal.NewFromInt(-1) }},
		{"no keys", func(c *Config) { c.Auth.APIKeys = nil }},
		{"bad key", func(c *Config) { c.Auth.APIKeys = []string{"lonely"} }},
		{"bad plan", func(c *Config) { c.Auth.APIKeys = []string{"k:u:platinum"} }},
		{"short ttl", func(c *Config) { c.Auth.TokenTTL = time.Millisecond }},
		{"bad journal", func(c *Config) { c.Storage.Journal = "s3" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
