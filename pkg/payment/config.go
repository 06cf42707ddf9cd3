package payment

import (
	"net/http"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// WebhookSecret is the shared secret webhook signatures are keyed with.
	// An empty secret makes the webhook endpoint reject every request.
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider
	APIKey string

	// BaseURL overrides the provider's API base URL (tests, sandboxes)
	BaseURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Retry bounds retries of outbound API calls
	Retry gatepass.RetryConfig

	// RateLimit is the per-IP request budget per minute of the webhook endpoint (default: 100)
	RateLimit int

	// Logger is used for structured logging (default: NoopLogger)
	Logger gatepass.Logger

	// Metrics is an optional metrics collector (default: NoopMetrics)
	Metrics gatepass.Metrics
}
