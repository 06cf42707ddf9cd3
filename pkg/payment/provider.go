// Package payment defines the provider-neutral contract of payment integrations.
package payment

import (
	"context"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Provider is implemented by each payment provider integration
type Provider interface {
	// Name returns the provider name (e.g., "flutterwave")
	Name() string

	gatepass.PaymentVerifier
	Linker
}

// Linker creates hosted payment links that carry the payer's recipient id
// in their metadata, so the confirmed transaction can be mapped back to them.
type Linker interface {
	CreatePaymentLink(ctx context.Context, req *LinkRequest) (string, error)
}

// Processor runs the confirmation pipeline for a transaction id announced by a webhook
type Processor interface {
	Process(ctx context.Context, txID string) (*gatepass.Result, error)
}

// LinkRequest describes a hosted payment link
type LinkRequest struct {
	// TxRef is the caller-chosen reference, unique per link
	TxRef string

	// Amount is a decimal amount in Currency
	Amount string

	Currency    string
	RedirectURL string

	// RecipientID is stored in the transaction metadata
	RecipientID string

	CustomerName  string
	CustomerEmail string

	Title       string
	Description string
}
