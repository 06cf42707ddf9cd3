package gatepass

import (
	"context"
	"time"
)

// Storage defines the interface for grant, subscription, recipient and content persistence.
// Every adapter under storage/ implements it.
type Storage interface {
	GrantStore
	SubscriptionStore
	RecipientStore
	ContentStore
}

// GrantStore persists access grants keyed by source transaction id
type GrantStore interface {
	// ReserveGrant atomically takes the provisioning reservation for req.TxID.
	// Implementations must apply NextReservation inside a single atomic
	// check-and-set so concurrent duplicate deliveries cannot both reserve.
	// Returns the grant, whether this caller now holds the reservation, and
	// ErrGrantInProgress if a fresh reservation is held elsewhere.
	ReserveGrant(ctx context.Context, req *ReserveRequest) (*AccessGrant, bool, error)

	// CompleteGrant stores a provisioned grant. The stored grant must still be
	// the reservation numbered grant.Attempts, otherwise ErrReservationLost.
	CompleteGrant(ctx context.Context, grant *AccessGrant) error

	// FailGrant releases reservation number attempt with status GrantStatusFailed
	// or GrantStatusNeedsManual. Returns ErrReservationLost if that reservation
	// is no longer the stored one.
	FailGrant(ctx context.Context, txID string, attempt int, status GrantStatus, reason string) error

	// MarkDelivered records that the recipient was notified
	MarkDelivered(ctx context.Context, txID string, at time.Time) error

	// MarkLedgerApplied records that the subscription ledger was extended for the grant
	MarkLedgerApplied(ctx context.Context, txID string) error

	// GetGrant retrieves a grant or ErrGrantNotFound
	GetGrant(ctx context.Context, txID string) (*AccessGrant, error)
}

// SubscriptionUpdate computes the next subscription record from the current one.
// current is nil on first contact. Returning a nil record leaves storage untouched.
type SubscriptionUpdate func(current *SubscriptionRecord) (*SubscriptionRecord, error)

// SubscriptionStore persists per-recipient subscription state
type SubscriptionStore interface {
	// GetSubscription retrieves a record or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, recipientID string) (*SubscriptionRecord, error)

	// UpdateSubscription runs fn as an atomic read-modify-write on the recipient's record
	// and returns the stored result.
	UpdateSubscription(ctx context.Context, recipientID string, fn SubscriptionUpdate) (*SubscriptionRecord, error)
}

// RecipientStore persists registered messaging users
type RecipientStore interface {
	// SaveRecipient upserts a recipient, keeping the first RegisteredAt
	SaveRecipient(ctx context.Context, r *Recipient) error

	// GetRecipient retrieves a recipient or ErrRecipientNotFound
	GetRecipient(ctx context.Context, recipientID string) (*Recipient, error)

	// ListRecipients returns every registered recipient
	ListRecipients(ctx context.Context) ([]*Recipient, error)
}

// ContentStore persists append-only tiered content
type ContentStore interface {
	// AddContent appends an item
	AddContent(ctx context.Context, item *ContentItem) error

	// ListContent returns up to limit items of a tier, most recent first
	ListContent(ctx context.Context, tier Tier, limit int) ([]*ContentItem, error)
}

// ReserveRequest asks for the provisioning reservation of one transaction
type ReserveRequest struct {
	TxID        string
	RecipientID string
	Now         time.Time

	// StaleAfter lets a new worker take over a reservation older than this.
	// Zero means reservations never go stale.
	StaleAfter time.Duration
}

// NextReservation decides the outcome of a reservation attempt given the
// currently stored grant (nil if none). Storage adapters call it inside their
// atomic section and persist the returned grant when reserved is true.
func NextReservation(existing *AccessGrant, req *ReserveRequest) (grant *AccessGrant, reserved bool, err error) {
	if existing != nil {
		switch existing.Status {
		case GrantStatusProvisioned, GrantStatusNeedsManual:
			return existing, false, nil
		case GrantStatusReserved:
			if req.StaleAfter <= 0 || req.Now.Sub(existing.ReservedAt) < req.StaleAfter {
				return existing, false, ErrGrantInProgress
			}
		}
	}

	next := &AccessGrant{
		TxID:        req.TxID,
		RecipientID: req.RecipientID,
		Status:      GrantStatusReserved,
		ReservedAt:  req.Now,
		Attempts:    1,
	}
	if existing != nil {
		next.Attempts = existing.Attempts + 1
		next.LastError = existing.LastError
	}
	return next, true, nil
}

// ApplyFailure returns a copy of grant released with the given failure status
func ApplyFailure(grant *AccessGrant, status GrantStatus, reason string) *AccessGrant {
	next := *grant
	next.Status = status
	next.LastError = reason
	return &next
}

// CheckReservation reports whether stored is still reservation number attempt.
// Storage adapters call it inside the atomic section of CompleteGrant and
// FailGrant.
func CheckReservation(stored *AccessGrant, attempt int) error {
	if stored == nil {
		return ErrGrantNotFound
	}
	if stored.Status != GrantStatusReserved || stored.Attempts != attempt {
		return ErrReservationLost
	}
	return nil
}
