// Package gin provides Gin middleware for subscription tier gating
package gin

import (
	"context"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// SubscriptionKey is the Gin context key the checked record is stored under
const SubscriptionKey = "gatepass.subscription"

// RecipientIDExtractor extracts the recipient ID from a Gin context
// Return empty string if the recipient is not identified
type RecipientIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Ledger answers tier checks (required)
	Ledger gatepass.Ledger

	// GetRecipientID extracts recipient ID from context (required)
	GetRecipientID RecipientIDExtractor

	// RequiredTier is the tier a request needs
	// Default: premium
	RequiredTier gatepass.Tier

	// Now is the time source
	// Default: time.Now
	Now func() time.Time

	// OnForbidden is called when the recipient's tier is insufficient
	// If nil, returns 403 JSON
	OnForbidden func(c *gongin.Context, rec *gatepass.SubscriptionRecord)

	// OnUnauthorized is called when the recipient is not identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when the ledger check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

type requestKey struct{}

// Middleware creates a Gin middleware that admits only recipients whose tier
// satisfies RequiredTier. The checked record is available via Subscription.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gatepass/gin: Config.Ledger is required")
	}
	if cfg.GetRecipientID == nil {
		panic("gatepass/gin: Config.GetRecipientID is required")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gatepass.TierPremium
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		recipientID := cfg.GetRecipientID(c)
		if recipientID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		rec, err := cfg.Ledger.Check(ctx, recipientID, cfg.Now().UTC())
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !rec.Tier.Satisfies(cfg.RequiredTier) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, rec)
			} else {
				defaultForbidden(c, rec, cfg.RequiredTier)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, rec)
		c.Request = c.Request.WithContext(context.WithValue(ctx, requestKey{}, rec))
		c.Next()
	}
}

// Subscription returns the record checked by the middleware
func Subscription(c *gongin.Context) (*gatepass.SubscriptionRecord, bool) {
	if val, exists := c.Get(SubscriptionKey); exists {
		rec, ok := val.(*gatepass.SubscriptionRecord)
		return rec, ok
	}
	return nil, false
}

// SubscriptionFromContext returns the checked record from a request context,
// for code that only sees c.Request.Context()
func SubscriptionFromContext(ctx context.Context) (*gatepass.SubscriptionRecord, bool) {
	rec, ok := ctx.Value(requestKey{}).(*gatepass.SubscriptionRecord)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, rec *gatepass.SubscriptionRecord, required gatepass.Tier) {
	c.JSON(http.StatusForbidden, gongin.H{
		"error":         "subscription required",
		"tier":          rec.Tier,
		"required_tier": required,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for the recipient ID

// FromContext returns a RecipientIDExtractor that gets the recipient ID from Gin context values.
// Use it behind auth middleware that calls c.Set(key, recipientID).
func FromContext(key string) RecipientIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a RecipientIDExtractor that gets the recipient ID from a header
func FromHeader(headerName string) RecipientIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a RecipientIDExtractor that gets the recipient ID from a route parameter
func FromParam(paramName string) RecipientIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a RecipientIDExtractor that gets the recipient ID from a query parameter
func FromQuery(queryName string) RecipientIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}
