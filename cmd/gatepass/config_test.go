package main

import (
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FLW_SECRET_KEY", "FLWSECK_TEST-abc")
	t.Setenv("FLW_SECRET_HASH", "webhook-hash")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHANNEL_ID", "-1001234567890")
}

func parse(args ...string) (Config, error) {
	return ParseConfig(flag.NewFlagSet("gatepass", flag.ContinueOnError), args)
}

func TestParseConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := parse()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, storageMemory, cfg.Storage)
	assert.Equal(t, hotCacheNone, cfg.HotCache)
	assert.Equal(t, ledgerSubscription, cfg.LedgerMode)
	assert.Equal(t, 168*time.Hour, cfg.InviteTTL)
	assert.Equal(t, 720*time.Hour, cfg.SubscriptionPeriod)
	assert.Equal(t, "NGN", cfg.Currency)
	assert.True(t, cfg.BotPolling)
	assert.Equal(t, 100, cfg.WebhookRateLimit)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseConfig_MissingRequired(t *testing.T) {
	required := []string{"FLW_SECRET_KEY", "FLW_SECRET_HASH", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHANNEL_ID"}
	for _, name := range required {
		t.Run(name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(name, "")

			_, err := parse()
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEPASS_STORAGE", "SQLite")
	t.Setenv("GATEPASS_SQLITE_PATH", "/tmp/gp.db")
	t.Setenv("GATEPASS_LEDGER_MODE", "oneshot")
	t.Setenv("GATEPASS_INVITE_TTL", "24h")
	t.Setenv("GATEPASS_BOT_POLLING", "false")

	cfg, err := parse()
	require.NoError(t, err)
	assert.Equal(t, storageSQLite, cfg.Storage)
	assert.Equal(t, "/tmp/gp.db", cfg.SQLitePath)
	assert.Equal(t, ledgerOneShot, cfg.LedgerMode)
	assert.Equal(t, 24*time.Hour, cfg.InviteTTL)
	assert.False(t, cfg.BotPolling)
}

func TestParseConfig_FlagsOverrideEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("GATEPASS_ADDR", ":9000")

	cfg, err := parse("-addr", ":9100", "-storage", "redis", "-bot=false")
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, storageRedis, cfg.Storage)
	assert.False(t, cfg.BotPolling)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Storage:    storageMemory,
		HotCache:   hotCacheNone,
		LedgerMode: ledgerSubscription,
		LogLevel:   "info",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Storage = storagePostgres }},
		{"firestore without project", func(c *Config) { c.Storage = storageFirestore }},
		{"hot cache over memory", func(c *Config) { c.HotCache = hotCacheRedis }},
		{"unknown hot cache", func(c *Config) { c.Storage = storageSQLite; c.HotCache = "memcached" }},
		{"unknown ledger mode", func(c *Config) { c.LedgerMode = "lifetime" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, gatepass.ErrInvalidConfig), "got %v", err)
		})
	}

	durable := valid
	durable.Storage = storagePostgres
	durable.PostgresDSN = "postgres://localhost/gatepass"
	durable.HotCache = hotCacheRedis
	assert.NoError(t, durable.Validate())
}

func TestConfig_PipelineConfig(t *testing.T) {
	cfg := Config{
		ChannelID:          "-100",
		InviteTTL:          time.Hour,
		SubscriptionPeriod: 2 * time.Hour,
		Currency:           "ngn",
		MinimumAmount:      "500",
	}

	pcfg := cfg.pipelineConfig(&gatepass.NoopLogger{}, &gatepass.NoopMetrics{})
	assert.Equal(t, "-100", pcfg.ChannelID)
	assert.Equal(t, time.Hour, pcfg.InviteTTL)
	assert.Equal(t, 2*time.Hour, pcfg.SubscriptionPeriod)
	assert.Equal(t, "NGN", pcfg.ExpectedCurrency)
	assert.Equal(t, "500", pcfg.MinimumAmount)
	assert.Equal(t, gatepass.DefaultMaxProvisionAttempts, pcfg.MaxProvisionAttempts)
	assert.NoError(t, pcfg.Validate())
}
