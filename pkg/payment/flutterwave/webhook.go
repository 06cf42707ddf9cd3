package flutterwave

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/payment"
	"github.com/mihaimyh/gatepass/pkg/payment/internal"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body
	SignatureHeader = "verif-hash"

	// EventChargeCompleted is the only event that triggers provisioning
	EventChargeCompleted = "charge.completed"

	maxWebhookBytes          = 256 * 1024
	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
)

// webhookPayload is the subset of the Flutterwave webhook body that is used.
// Only data.id is decoded; status, amount and meta are re-read from the API,
// so their shape in the body never matters.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID flexString `json:"id"`
	} `json:"data"`
}

// WebhookHandler authenticates Flutterwave webhooks and hands charge events to a Processor
type WebhookHandler struct {
	processor   payment.Processor
	secret      string
	rateLimiter *internal.RateLimiter
	logger      gatepass.Logger
	metrics     gatepass.Metrics
}

// NewWebhookHandler creates the webhook endpoint. An empty WebhookSecret is
// accepted here so the process can start, but every request is then refused.
func NewWebhookHandler(processor payment.Processor, config payment.Config) (*WebhookHandler, error) {
	if processor == nil {
		return nil, fmt.Errorf("%w: processor is required", payment.ErrProviderNotConfigured)
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimitRequests
	}

	logger := config.Logger
	if logger == nil {
		logger = &gatepass.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &gatepass.NoopMetrics{}
	}

	return &WebhookHandler{
		processor:   processor,
		secret:      strings.TrimSpace(config.WebhookSecret),
		rateLimiter: internal.NewRateLimiter(limit, defaultRateLimitWindow),
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Handler returns the endpoint wrapped with per-IP rate limiting
func (h *WebhookHandler) Handler() http.Handler {
	return h.rateLimiter.Middleware(h)
}

type webhookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// ServeHTTP processes one webhook delivery
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	event := "unknown"
	defer func() {
		h.metrics.RecordWebhookDuration(event, time.Since(start))
	}()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.respond(w, event, "rejected", http.StatusMethodNotAllowed,
			webhookResponse{Status: "error", Message: "method not allowed"})
		return
	}

	if h.secret == "" {
		h.logger.Error("webhook rejected: no shared secret configured")
		h.respond(w, event, "rejected", http.StatusServiceUnavailable,
			webhookResponse{Status: "error", Message: "webhook not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBytes)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		h.respond(w, event, "rejected", code, webhookResponse{Status: "error", Message: err.Error()})
		return
	}

	if !gatepass.VerifySignature(body, r.Header.Get(SignatureHeader), h.secret) {
		h.logger.Warn("webhook signature verification failed",
			gatepass.F("remote_ip", internal.GetClientIP(r)),
		)
		h.respond(w, event, "rejected", http.StatusBadRequest,
			webhookResponse{Status: "error", Message: "invalid signature"})
		return
	}

	payload, err := parseWebhookPayload(body)
	if err != nil {
		h.respond(w, event, "rejected", http.StatusBadRequest,
			webhookResponse{Status: "error", Message: err.Error()})
		return
	}
	event = payload.Event

	if payload.Event != EventChargeCompleted {
		h.logger.Debug("ignoring webhook event", gatepass.F("event", payload.Event))
		h.respond(w, event, "ignored", http.StatusOK,
			webhookResponse{Status: "ignored", Reason: "unhandled event"})
		return
	}

	txID := string(payload.Data.ID)
	res, err := h.processor.Process(r.Context(), txID)
	h.respondResult(w, event, txID, res, err)
}

func (h *WebhookHandler) respondResult(w http.ResponseWriter, event, txID string, res *gatepass.Result, err error) {
	if err == nil {
		outcome := ""
		if res != nil {
			outcome = string(res.Outcome)
		}
		h.logger.Info("webhook processed",
			gatepass.F("tx_id", txID),
			gatepass.F("outcome", outcome),
		)
		h.respond(w, event, "processed", http.StatusOK, webhookResponse{Status: "ok", Outcome: outcome})
		return
	}

	fields := []gatepass.Field{gatepass.F("tx_id", txID), gatepass.F("error", err.Error())}

	switch {
	case !gatepass.IsRetryable(err):
		if errors.Is(err, gatepass.ErrMissingIdentity) || errors.Is(err, gatepass.ErrNeedsManualIntervention) {
			h.logger.Error("webhook needs manual follow-up", fields...)
		} else {
			h.logger.Info("webhook ignored", fields...)
		}
		h.respond(w, event, "ignored", http.StatusOK, webhookResponse{Status: "ignored", Reason: err.Error()})

	case errors.Is(err, gatepass.ErrDeliveryFailure) && res != nil && res.Outcome == gatepass.OutcomeUndelivered:
		h.logger.Warn("grant provisioned but not delivered", fields...)
		h.respond(w, event, "undelivered", http.StatusInternalServerError, webhookResponse{Status: "undelivered"})

	case errors.Is(err, gatepass.ErrProviderUnavailable),
		errors.Is(err, gatepass.ErrStorageUnavailable),
		errors.Is(err, gatepass.ErrCircuitOpen),
		errors.Is(err, gatepass.ErrGrantInProgress):
		h.logger.Warn("webhook deferred", fields...)
		h.respond(w, event, "retry", http.StatusServiceUnavailable, webhookResponse{Status: "retry"})

	default:
		h.logger.Error("webhook processing failed", fields...)
		h.respond(w, event, "retry", http.StatusInternalServerError, webhookResponse{Status: "retry"})
	}
}

func (h *WebhookHandler) respond(w http.ResponseWriter, event, status string, code int, body webhookResponse) {
	h.metrics.RecordWebhook(event, status)
	if err := internal.WriteJSON(w, code, body); err != nil {
		h.logger.Debug("failed to write webhook response", gatepass.F("error", err.Error()))
	}
}

// parseWebhookPayload decodes the body and checks the fields the handler relies on.
// Unknown fields are tolerated since the provider adds them freely.
func parseWebhookPayload(body []byte) (*webhookPayload, error) {
	var payload webhookPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrInvalidWebhookPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: multiple JSON objects", payment.ErrInvalidWebhookPayload)
	}

	payload.Event = strings.TrimSpace(payload.Event)
	if payload.Event == "" {
		return nil, fmt.Errorf("%w: missing event", payment.ErrInvalidWebhookPayload)
	}
	if strings.TrimSpace(string(payload.Data.ID)) == "" {
		return nil, fmt.Errorf("%w: missing data.id", payment.ErrInvalidWebhookPayload)
	}
	payload.Data.ID = flexString(strings.TrimSpace(string(payload.Data.ID)))
	return &payload, nil
}
