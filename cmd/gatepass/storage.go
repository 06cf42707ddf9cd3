package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	fsstore "github.com/mihaimyh/gatepass/storage/firestore"
	"github.com/mihaimyh/gatepass/storage/memory"
	"github.com/mihaimyh/gatepass/storage/postgres"
	"github.com/mihaimyh/gatepass/storage/redis"
	"github.com/mihaimyh/gatepass/storage/sqlite"
	"github.com/mihaimyh/gatepass/storage/tiered"
)

// backend is an opened storage with its lifecycle hooks
type backend struct {
	store   gatepass.Storage
	pingers []func(ctx context.Context) error
	closers []func() error
}

// Ping checks every underlying connection
func (b *backend) Ping(ctx context.Context) error {
	for _, ping := range b.pingers {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases connections in reverse open order
func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// openStorage opens the configured backend, puts the optional hot cache in
// front of it and wraps the result with a circuit breaker.
func openStorage(ctx context.Context, cfg Config, logger gatepass.Logger, metrics gatepass.Metrics) (*backend, error) {
	b := &backend{}

	cold, err := b.open(ctx, cfg, cfg.Storage)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	store := cold

	if cfg.HotCache != "" && cfg.HotCache != hotCacheNone {
		hot, err := b.open(ctx, cfg, cfg.HotCache)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		t, err := tiered.New(tiered.Config{
			Hot:  hot,
			Cold: cold,
			AsyncErrorHandler: func(err error) {
				logger.Warn("Hot cache refresh failed", gatepass.F("error", err))
			},
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		b.closers = append(b.closers, t.Close)
		store = t
	}

	cb := gatepass.NewBreaker(gatepass.BreakerConfig{
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerReset,
		OnStateChange: func(from, to gatepass.CircuitBreakerState) {
			logger.Warn("Storage circuit breaker state changed",
				gatepass.F("from", string(from)),
				gatepass.F("to", string(to)),
			)
			metrics.RecordCircuitBreakerStateChange(string(to))
		},
	})
	b.store = gatepass.NewCircuitBreakerStorage(store, cb, metrics)

	logger.Info("Storage ready",
		gatepass.F("backend", cfg.Storage),
		gatepass.F("hot_cache", cfg.HotCache),
	)
	return b, nil
}

func (b *backend) open(ctx context.Context, cfg Config, kind string) (gatepass.Storage, error) {
	switch kind {
	case storageMemory:
		return memory.New(), nil

	case storageRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		s, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis storage: %w", err)
		}
		b.pingers = append(b.pingers, s.Ping)
		b.closers = append(b.closers, s.Close)
		return s, nil

	case storagePostgres:
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres storage: %w", err)
		}
		b.pingers = append(b.pingers, s.Ping)
		b.closers = append(b.closers, func() error {
			s.Close()
			return nil
		})
		return s, nil

	case storageFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		s, err := fsstore.New(client, fsstore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("firestore storage: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		return s, nil

	case storageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("sqlite storage dir: %w", err)
		}
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite storage: %w", err)
		}
		b.pingers = append(b.pingers, s.Ping)
		b.closers = append(b.closers, s.Close)
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown storage %q", gatepass.ErrInvalidConfig, kind)
}
