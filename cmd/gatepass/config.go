package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Storage backends
const (
	storageMemory    = "memory"
	storageRedis     = "redis"
	storagePostgres  = "postgres"
	storageFirestore = "firestore"
	storageSQLite    = "sqlite"
)

// Ledger modes
const (
	ledgerSubscription = "subscription"
	ledgerOneShot      = "oneshot"
)

// Hot cache choices in front of a durable backend
const (
	hotCacheNone   = "none"
	hotCacheMemory = "memory"
	hotCacheRedis  = "redis"
)

// Config holds the gatepass server configuration.
type Config struct {
	FlutterwaveSecretKey string `env:"FLW_SECRET_KEY,required,notEmpty"`
	WebhookSecret        string `env:"FLW_SECRET_HASH,required,notEmpty"`
	FlutterwaveBaseURL   string `env:"FLW_BASE_URL"`
	BotToken             string `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`
	ChannelID            string `env:"TELEGRAM_CHANNEL_ID,required,notEmpty"`
	TelegramAPIURL       string `env:"TELEGRAM_API_URL"`

	Addr             string `env:"GATEPASS_ADDR" envDefault:":8080"`
	Storage          string `env:"GATEPASS_STORAGE" envDefault:"memory"`
	HotCache         string `env:"GATEPASS_HOT_CACHE" envDefault:"none"`
	RedisAddr        string `env:"GATEPASS_REDIS_ADDR" envDefault:"localhost:6379"`
	PostgresDSN      string `env:"GATEPASS_POSTGRES_DSN"`
	FirestoreProject string `env:"GATEPASS_FIRESTORE_PROJECT"`
	SQLitePath       string `env:"GATEPASS_SQLITE_PATH" envDefault:"data/gatepass.db"`

	LedgerMode         string        `env:"GATEPASS_LEDGER_MODE" envDefault:"subscription"`
	InviteTTL          time.Duration `env:"GATEPASS_INVITE_TTL" envDefault:"168h"`
	SubscriptionPeriod time.Duration `env:"GATEPASS_SUBSCRIPTION_PERIOD" envDefault:"720h"`
	Currency           string        `env:"GATEPASS_PAYMENT_CURRENCY" envDefault:"NGN"`
	MinimumAmount      string        `env:"GATEPASS_MINIMUM_AMOUNT"`
	RedirectURL        string        `env:"GATEPASS_REDIRECT_URL"`
	AdminToken         string        `env:"GATEPASS_ADMIN_TOKEN"`
	BotPolling         bool          `env:"GATEPASS_BOT_POLLING" envDefault:"true"`
	WebhookRateLimit   int           `env:"GATEPASS_WEBHOOK_RATE_LIMIT" envDefault:"100"`

	BreakerThreshold int           `env:"GATEPASS_STORAGE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerReset     time.Duration `env:"GATEPASS_STORAGE_BREAKER_RESET" envDefault:"30s"`

	LogLevel  string `env:"GATEPASS_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"GATEPASS_LOG_PRETTY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Storage backend: memory, redis, postgres, firestore or sqlite")
	fs.StringVar(&cfg.LedgerMode, "ledger", cfg.LedgerMode, "Ledger mode: subscription or oneshot")
	fs.BoolVar(&cfg.BotPolling, "bot", cfg.BotPolling, "Poll the Bot API for recipient commands")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.HotCache = strings.ToLower(strings.TrimSpace(cfg.HotCache))
	cfg.LedgerMode = strings.ToLower(strings.TrimSpace(cfg.LedgerMode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks choices the env parser cannot.
func (c Config) Validate() error {
	switch c.Storage {
	case storageMemory, storageRedis, storageSQLite:
	case storagePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: GATEPASS_POSTGRES_DSN is required for postgres storage", gatepass.ErrInvalidConfig)
		}
	case storageFirestore:
		if c.FirestoreProject == "" {
			return fmt.Errorf("%w: GATEPASS_FIRESTORE_PROJECT is required for firestore storage", gatepass.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage %q", gatepass.ErrInvalidConfig, c.Storage)
	}

	switch c.HotCache {
	case hotCacheNone, "":
	case hotCacheMemory, hotCacheRedis:
		if c.Storage == storageMemory || c.Storage == storageRedis {
			return fmt.Errorf("%w: hot cache needs a durable storage backend", gatepass.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown hot cache %q", gatepass.ErrInvalidConfig, c.HotCache)
	}

	switch c.LedgerMode {
	case ledgerSubscription, ledgerOneShot:
	default:
		return fmt.Errorf("%w: unknown ledger mode %q", gatepass.ErrInvalidConfig, c.LedgerMode)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log level: %v", gatepass.ErrInvalidConfig, err)
	}
	return nil
}

// pipelineConfig maps the server configuration onto the shared component config.
func (c Config) pipelineConfig(logger gatepass.Logger, metrics gatepass.Metrics) gatepass.Config {
	cfg := gatepass.DefaultConfig()
	cfg.ChannelID = c.ChannelID
	cfg.InviteTTL = c.InviteTTL
	cfg.SubscriptionPeriod = c.SubscriptionPeriod
	cfg.ExpectedCurrency = strings.ToUpper(c.Currency)
	cfg.MinimumAmount = c.MinimumAmount
	cfg.Logger = logger
	cfg.Metrics = metrics
	return cfg
}
