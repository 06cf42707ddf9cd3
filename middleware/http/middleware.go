// Package http provides net/http middleware for subscription tier gating
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// RecipientIDExtractor extracts the recipient ID from an HTTP request
// Return empty string if the recipient is not identified
type RecipientIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Ledger answers tier checks (required)
	Ledger gatepass.Ledger

	// GetRecipientID extracts recipient ID from request (required)
	GetRecipientID RecipientIDExtractor

	// RequiredTier is the tier a request needs
	// Default: premium
	RequiredTier gatepass.Tier

	// Now is the time source
	// Default: time.Now
	Now func() time.Time

	// OnForbidden is called when the recipient's tier is insufficient
	// If nil, returns 403 JSON
	OnForbidden func(w http.ResponseWriter, r *http.Request, rec *gatepass.SubscriptionRecord)

	// OnUnauthorized is called when the recipient is not identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when the ledger check fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type contextKey struct{}

// SubscriptionFromContext returns the record checked by the middleware
func SubscriptionFromContext(ctx context.Context) (*gatepass.SubscriptionRecord, bool) {
	rec, ok := ctx.Value(contextKey{}).(*gatepass.SubscriptionRecord)
	return rec, ok
}

// Middleware creates an HTTP middleware that admits only recipients whose tier
// satisfies RequiredTier
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Ledger == nil {
		panic("gatepass/http: Config.Ledger is required")
	}
	if config.GetRecipientID == nil {
		panic("gatepass/http: Config.GetRecipientID is required")
	}
	if config.RequiredTier == "" {
		config.RequiredTier = gatepass.TierPremium
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recipientID := config.GetRecipientID(r)
			if recipientID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			rec, err := config.Ledger.Check(r.Context(), recipientID, config.Now().UTC())
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !rec.Tier.Satisfies(config.RequiredTier) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, rec)
				} else {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusForbidden)
					_ = json.NewEncoder(w).Encode(map[string]interface{}{
						"error":         "subscription required",
						"tier":          rec.Tier,
						"required_tier": config.RequiredTier,
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, rec)))
		})
	}
}

// HandlerFunc creates the middleware for http.HandlerFunc chains
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// RecipientIDKey is the context key for the recipient ID
	RecipientIDKey ContextKey = "gatepass:recipientID"
)

// FromContext returns a RecipientIDExtractor that gets the recipient ID from request context
func FromContext(key ContextKey) RecipientIDExtractor {
	return func(r *http.Request) string {
		if id, ok := r.Context().Value(key).(string); ok {
			return id
		}
		return ""
	}
}

// FromHeader returns a RecipientIDExtractor that gets the recipient ID from a header
func FromHeader(headerName string) RecipientIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a RecipientIDExtractor that gets the recipient ID from a query parameter
func FromQuery(name string) RecipientIDExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}
