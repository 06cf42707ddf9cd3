package gatepass

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultInviteTTL is how long an issued invite link stays valid
	DefaultInviteTTL = 7 * 24 * time.Hour

	// DefaultSubscriptionPeriod is how much premium time one payment buys
	DefaultSubscriptionPeriod = 30 * 24 * time.Hour

	// DefaultMaxProvisionAttempts is how many reservations a grant gets before needing an operator
	DefaultMaxProvisionAttempts = 5

	// DefaultReservationStaleAfter lets a crashed worker's reservation be taken over
	DefaultReservationStaleAfter = 2 * time.Minute

	// DefaultBroadcastConcurrency bounds parallel sends of a broadcast
	DefaultBroadcastConcurrency = 8

	// DefaultProcessTimeout bounds one shared run of the pipeline
	DefaultProcessTimeout = time.Minute
)

// Config holds the settings shared by the pipeline components.
// It is built once at startup and never mutated afterwards.
type Config struct {
	// ChannelID is the restricted channel invite links are created for (required)
	ChannelID string

	// InviteTTL is the lifetime of an invite link (default: 7 days)
	InviteTTL time.Duration

	// SubscriptionPeriod is added to a recipient's premium expiry per payment (default: 30 days)
	SubscriptionPeriod time.Duration

	// MaxProvisionAttempts moves a grant to needs_manual once reached (default: 5)
	MaxProvisionAttempts int

	// ReservationStaleAfter is the age after which a reservation may be taken over (default: 2 minutes)
	ReservationStaleAfter time.Duration

	// Retry bounds retries of invite creation and message delivery
	Retry RetryConfig

	// ExpectedCurrency rejects verified payments in another currency (optional)
	ExpectedCurrency string

	// MinimumAmount rejects verified payments below this decimal amount (optional)
	MinimumAmount string

	// BroadcastConcurrency bounds parallel broadcast sends (default: 8)
	BroadcastConcurrency int

	// ProcessTimeout bounds a pipeline run, which outlives the request that
	// started it while other deliveries of the same id wait on it (default: 1 minute)
	ProcessTimeout time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking pipeline operations (default: NoopMetrics)
	Metrics Metrics

	// Now is the time source (default: time.Now in UTC)
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		InviteTTL:             DefaultInviteTTL,
		SubscriptionPeriod:    DefaultSubscriptionPeriod,
		MaxProvisionAttempts:  DefaultMaxProvisionAttempts,
		ReservationStaleAfter: DefaultReservationStaleAfter,
		Retry:                 DefaultRetryConfig(),
		BroadcastConcurrency:  DefaultBroadcastConcurrency,
		ProcessTimeout:        DefaultProcessTimeout,
	}
}

// Validate checks the configuration for consistency
func (c Config) Validate() error {
	if strings.TrimSpace(c.ChannelID) == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidConfig)
	}
	if c.InviteTTL < 0 || c.SubscriptionPeriod < 0 || c.ReservationStaleAfter < 0 || c.ProcessTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.MaxProvisionAttempts < 0 {
		return fmt.Errorf("%w: max provision attempts must not be negative", ErrInvalidConfig)
	}
	if c.MinimumAmount != "" {
		if _, ok := new(big.Rat).SetString(c.MinimumAmount); !ok {
			return fmt.Errorf("%w: minimum amount %q is not a decimal", ErrInvalidConfig, c.MinimumAmount)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InviteTTL == 0 {
		c.InviteTTL = d.InviteTTL
	}
	if c.SubscriptionPeriod == 0 {
		c.SubscriptionPeriod = d.SubscriptionPeriod
	}
	if c.MaxProvisionAttempts == 0 {
		c.MaxProvisionAttempts = d.MaxProvisionAttempts
	}
	if c.ReservationStaleAfter == 0 {
		c.ReservationStaleAfter = d.ReservationStaleAfter
	}
	c.Retry = c.Retry.withDefaults()
	if c.BroadcastConcurrency <= 0 {
		c.BroadcastConcurrency = d.BroadcastConcurrency
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = d.ProcessTimeout
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// checkPrice enforces ExpectedCurrency and MinimumAmount on a verified transaction
func (c Config) checkPrice(tx *Transaction) error {
	if c.ExpectedCurrency != "" && !strings.EqualFold(tx.Currency, c.ExpectedCurrency) {
		return fmt.Errorf("%w: currency %s, want %s", ErrPaymentNotSuccessful, tx.Currency, c.ExpectedCurrency)
	}
	if c.MinimumAmount == "" {
		return nil
	}

	ok, err := amountAtLeast(tx.Amount, c.MinimumAmount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentNotSuccessful, err)
	}
	if !ok {
		return fmt.Errorf("%w: amount %s below minimum %s", ErrPaymentNotSuccessful, tx.Amount, c.MinimumAmount)
	}
	return nil
}

// amountAtLeast compares decimal amounts exactly
func amountAtLeast(amount json.Number, minimum string) (bool, error) {
	got, ok := new(big.Rat).SetString(amount.String())
	if !ok {
		return false, fmt.Errorf("amount %q is not a decimal", amount)
	}
	want, ok := new(big.Rat).SetString(minimum)
	if !ok {
		return false, fmt.Errorf("minimum amount %q is not a decimal", minimum)
	}
	return got.Cmp(want) >= 0, nil
}
