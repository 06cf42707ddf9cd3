// Package echo provides Echo middleware for subscription tier gating
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// SubscriptionKey is the Echo context key the checked record is stored under
const SubscriptionKey = "gatepass.subscription"

// RecipientIDExtractor extracts the recipient ID from an Echo context
// Return empty string if the recipient is not identified
type RecipientIDExtractor func(c echo.Context) string

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
	OnForbidden func(c echo.Context, rec *gatepass.SubscriptionRecord) error

	// OnUnauthorized is called when the recipient is not identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when the ledger check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that admits only recipients whose tier
// satisfies RequiredTier
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gatepass/echo: Config.Ledger is required")
	}
	if cfg.GetRecipientID == nil {
		panic("gatepass/echo: Config.GetRecipientID is required")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gatepass.TierPremium
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			recipientID := cfg.GetRecipientID(c)
			if recipientID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ctx := c.Request().Context()
			rec, err := cfg.Ledger.Check(ctx, recipientID, cfg.Now().UTC())
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !rec.Tier.Satisfies(cfg.RequiredTier) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, rec)
				}
				return defaultForbidden(c, rec, cfg.RequiredTier)
			}

			c.Set(SubscriptionKey, rec)
			return next(c)
		}
	}
}

// Subscription returns the record checked by the middleware
func Subscription(c echo.Context) (*gatepass.SubscriptionRecord, bool) {
	rec, ok := c.Get(SubscriptionKey).(*gatepass.SubscriptionRecord)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, rec *gatepass.SubscriptionRecord, required gatepass.Tier) error {
	return c.JSON(http.StatusForbidden, map[string]interface{}{
		"error":         "subscription required",
		"tier":          rec.Tier,
		"required_tier": required,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for the recipient ID

// FromContext returns a RecipientIDExtractor that gets the recipient ID from Echo context values
func FromContext(key string) RecipientIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a RecipientIDExtractor that gets the recipient ID from a header
func FromHeader(headerName string) RecipientIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a RecipientIDExtractor that gets the recipient ID from a route parameter
func FromParam(paramName string) RecipientIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a RecipientIDExtractor that gets the recipient ID from a query parameter
func FromQuery(queryName string) RecipientIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
