package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpmw "github.com/mihaimyh/gatepass/middleware/http"
	"github.com/mihaimyh/gatepass/pkg/api"
	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/messaging/telegram"
	"github.com/mihaimyh/gatepass/pkg/payment"
	"github.com/mihaimyh/gatepass/pkg/payment/flutterwave"
)

// app is the wired server: the HTTP handler and the recipient bot
type app struct {
	handler  http.Handler
	bot      *telegram.Bot
	pipeline *gatepass.Pipeline
}

// pinger reports backend health
type pinger interface {
	Ping(ctx context.Context) error
}

// newApp wires the pipeline, the webhook, the bot and the HTTP routes over store.
func newApp(cfg Config, store gatepass.Storage, health pinger, registry *prometheus.Registry,
	logger gatepass.Logger, metrics gatepass.Metrics) (*app, error) {
	pcfg := cfg.pipelineConfig(logger, metrics)

	flw, err := flutterwave.NewClient(payment.Config{
		APIKey:  cfg.FlutterwaveSecretKey,
		BaseURL: cfg.FlutterwaveBaseURL,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("flutterwave client: %w", err)
	}

	tg, err := telegram.NewClient(telegram.Config{
		Token:   cfg.BotToken,
		BaseURL: cfg.TelegramAPIURL,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}

	var ledger gatepass.Ledger = gatepass.NoopLedger{}
	if cfg.LedgerMode == ledgerSubscription {
		sl, err := gatepass.NewStoreLedger(store, pcfg)
		if err != nil {
			return nil, fmt.Errorf("ledger: %w", err)
		}
		ledger = sl
	}

	provisioner, err := gatepass.NewProvisioner(store, tg, ledger, pcfg)
	if err != nil {
		return nil, fmt.Errorf("provisioner: %w", err)
	}
	notifier, err := gatepass.NewNotifier(tg, pcfg)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	pipeline, err := gatepass.NewPipeline(flw, provisioner, notifier, store, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	broadcaster, err := gatepass.NewBroadcaster(store, notifier, pcfg)
	if err != nil {
		return nil, fmt.Errorf("broadcaster: %w", err)
	}

	webhook, err := flutterwave.NewWebhookHandler(pipeline, payment.Config{
		WebhookSecret: cfg.WebhookSecret,
		RateLimit:     cfg.WebhookRateLimit,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("webhook handler: %w", err)
	}

	apiHandler, err := api.NewHandler(api.Config{
		Ledger:      ledger,
		Content:     store,
		Broadcaster: broadcaster,
		Redeliverer: pipeline,
		AdminToken:  cfg.AdminToken,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api handler: %w", err)
	}

	bot, err := telegram.NewBot(telegram.BotDeps{
		Updates:    tg,
		Notifier:   notifier,
		Linker:     flw,
		Ledger:     ledger,
		Recipients: store,
		Content:    store,
	}, telegram.BotConfig{
		Currency:    cfg.Currency,
		RedirectURL: cfg.RedirectURL,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(health))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	webhookHandler := webhook.Handler()
	r.Method(http.MethodPost, "/webhook/flutterwave", webhookHandler)
	r.Method(http.MethodPost, "/webhook/payment", webhookHandler)

	r.Mount("/api", apiHandler.Routes())

	// Gated by tier; lets other services ask whether a recipient holds premium
	premium := httpmw.Middleware(httpmw.Config{
		Ledger:         ledger,
		GetRecipientID: api.FromURLParam("recipientID"),
	})
	r.With(premium).Get("/premium/{recipientID}", premiumHandler)

	return &app{handler: r, bot: bot, pipeline: pipeline}, nil
}

func healthHandler(health pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := health.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func premiumHandler(w http.ResponseWriter, r *http.Request) {
	rec, _ := httpmw.SubscriptionFromContext(r.Context())

	resp := map[string]interface{}{
		"recipient_id": rec.RecipientID,
		"tier":         rec.Tier,
	}
	if rec.TierExpiresAt != nil {
		resp["expires_at"] = rec.TierExpiresAt.UTC().Format(time.RFC3339)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
