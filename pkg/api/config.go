package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Redeliverer re-sends a stored grant to its recipient
type Redeliverer interface {
	Redeliver(ctx context.Context, txID string) (*gatepass.AccessGrant, error)
}

// Config holds configuration for the access and admin API handler
type Config struct {
	// Ledger answers access checks (required)
	Ledger gatepass.Ledger

	// Content stores tiered content (required)
	Content gatepass.ContentStore

	// Broadcaster enables POST /admin/broadcast when set
	Broadcaster *gatepass.Broadcaster

	// Redeliverer enables POST /admin/grants/{txID}/redeliver when set
	Redeliverer Redeliverer

	// AdminToken is the bearer token of the admin routes.
	// When empty, every admin request is refused.
	AdminToken string

	// GetRecipientID extracts the recipient id from a request.
	// If nil, the {recipientID} route parameter is used.
	GetRecipientID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger gatepass.Logger

	// Now is the time source (default: time.Now in UTC)
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Content == nil {
		return fmt.Errorf("content store is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetRecipientID == nil {
		config.GetRecipientID = FromURLParam("recipientID")
	}
	if config.Logger == nil {
		config.Logger = &gatepass.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common recipient id extraction patterns

// FromHeader returns a GetRecipientID function that reads a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetRecipientID function that reads a context value
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromURLParam returns a GetRecipientID function that reads a chi route parameter
func FromURLParam(name string) func(*http.Request) string {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}
