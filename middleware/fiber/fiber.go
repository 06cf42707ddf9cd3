// Package fiber provides Fiber middleware for subscription tier gating
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// SubscriptionKey is the Locals key the checked record is stored under
const SubscriptionKey = "gatepass.subscription"

// RecipientIDExtractor extracts the recipient ID from a Fiber context
// Return empty string if the recipient is not identified
type RecipientIDExtractor func(c *fiber.Ctx) string

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
	OnForbidden func(c *fiber.Ctx, rec *gatepass.SubscriptionRecord) error

	// OnUnauthorized is called when the recipient is not identified
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when the ledger check fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that admits only recipients whose tier
// satisfies RequiredTier
func Middleware(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Ledger == nil {
		panic("gatepass/fiber: Config.Ledger is required")
	}
	if cfg.GetRecipientID == nil {
		panic("gatepass/fiber: Config.GetRecipientID is required")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = gatepass.TierPremium
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		recipientID := cfg.GetRecipientID(c)
		if recipientID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		rec, err := cfg.Ledger.Check(c.UserContext(), recipientID, cfg.Now().UTC())
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

		c.Locals(SubscriptionKey, rec)
		return c.Next()
	}
}

// Subscription returns the record checked by the middleware
func Subscription(c *fiber.Ctx) (*gatepass.SubscriptionRecord, bool) {
	rec, ok := c.Locals(SubscriptionKey).(*gatepass.SubscriptionRecord)
	return rec, ok
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, rec *gatepass.SubscriptionRecord, required gatepass.Tier) error {
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
		"error":         "subscription required",
		"tier":          rec.Tier,
		"required_tier": required,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for the recipient ID

// FromContext returns a RecipientIDExtractor that gets the recipient ID from Fiber Locals.
// Use it behind auth middleware that calls c.Locals(key, recipientID).
func FromContext(key string) RecipientIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a RecipientIDExtractor that gets the recipient ID from a header
func FromHeader(headerName string) RecipientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a RecipientIDExtractor that gets the recipient ID from a route parameter
func FromParam(paramName string) RecipientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a RecipientIDExtractor that gets the recipient ID from a query parameter
func FromQuery(queryName string) RecipientIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
