// Command gatepass runs the payment-to-access server: it confirms Flutterwave
// payments announced by webhook, issues single-use Telegram channel invites,
// tracks subscription tiers and answers recipient commands through the bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	zerologadapter "github.com/mihaimyh/gatepass/pkg/gatepass/logger/zerolog"
	promadapter "github.com/mihaimyh/gatepass/pkg/gatepass/metrics/prometheus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatepass: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("gatepass stopped")
	}
}

func newZerolog(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var zlog zerolog.Logger
	if cfg.LogPretty {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stderr)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "gatepass").Logger()
}

// run serves until ctx is canceled, then shuts down gracefully.
func run(ctx context.Context, cfg Config, zlog zerolog.Logger) error {
	logger := zerologadapter.NewLogger(zlog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := promadapter.NewMetrics(registry, "gatepass")

	b, err := openStorage(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("Storage close failed", gatepass.F("error", err))
		}
	}()

	a, err := newApp(cfg, b.store, b, registry, logger, metrics)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", gatepass.F("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.BotPolling {
		g.Go(func() error {
			logger.Info("Bot polling started")
			return a.bot.Run(gctx)
		})
	}

	return g.Wait()
}
