// Package gatepass confirms payments and provisions single-use, time-limited
// channel access for the payer exactly once per transaction.
package gatepass

import (
	"encoding/json"
	"slices"
	"time"
)

// TxStatus is the provider-reported status of a transaction
type TxStatus string

const (
	// TxStatusPending is a transaction the provider has not settled yet
	TxStatusPending TxStatus = "pending"
	// TxStatusSuccessful is a settled, paid transaction
	TxStatusSuccessful TxStatus = "successful"
	// TxStatusFailed is a transaction the provider rejected
	TxStatusFailed TxStatus = "failed"
)

// Transaction is a payment as observed at the provider. It is never created locally.
type Transaction struct {
	// ID is the provider's transaction id and the idempotency key for provisioning
	ID string

	// TxRef is the caller-chosen reference used when the payment link was created
	TxRef string

	Status TxStatus

	// Amount keeps the provider's decimal text verbatim
	Amount json.Number

	// Currency is an ISO 4217 code
	Currency string

	Meta map[string]string
}

// Successful reports whether the provider settled the transaction
func (t *Transaction) Successful() bool {
	return t != nil && t.Status == TxStatusSuccessful
}

// RecipientIdentity is the messaging identity the access grant is issued to
type RecipientIdentity struct {
	ID          string
	DisplayName string
}

// GrantStatus is the lifecycle state of an access grant
type GrantStatus string

const (
	// GrantStatusReserved means a worker holds the idempotency reservation
	GrantStatusReserved GrantStatus = "reserved"
	// GrantStatusProvisioned means the invite link exists
	GrantStatusProvisioned GrantStatus = "provisioned"
	// GrantStatusFailed means the last attempt failed and may be retried
	GrantStatusFailed GrantStatus = "failed"
	// GrantStatusNeedsManual means retries are exhausted and an operator must step in
	GrantStatusNeedsManual GrantStatus = "needs_manual"
)

// AccessGrant is a single-use, expiring invite issued for one transaction
type AccessGrant struct {
	// TxID is the source transaction id; at most one grant exists per TxID
	TxID string

	RecipientID string

	// Link is the invite link (empty until provisioned)
	Link string

	SingleUse bool
	Status    GrantStatus

	// Attempts counts reservations taken for this grant
	Attempts int

	CreatedAt  time.Time
	ExpiresAt  time.Time
	ReservedAt time.Time

	// DeliveredAt is set once the recipient was notified
	DeliveredAt *time.Time

	// LedgerApplied is set once the subscription ledger was extended for this grant
	LedgerApplied bool

	LastError string
}

// Delivered reports whether the recipient was notified about the grant
func (g *AccessGrant) Delivered() bool {
	return g != nil && g.DeliveredAt != nil
}

// Tier is a subscription level
type Tier string

const (
	// TierFree is the default tier for every recipient
	TierFree Tier = "free"
	// TierPremium is granted by a successful payment until it expires
	TierPremium Tier = "premium"
)

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPremium
}

// Satisfies reports whether t grants at least the access of required
func (t Tier) Satisfies(required Tier) bool {
	if required == TierFree || required == "" {
		return true
	}
	return t == TierPremium
}

// SubscriptionRecord is a recipient's subscription state
type SubscriptionRecord struct {
	RecipientID string
	Tier        Tier

	// TierExpiresAt is nil for recipients that never paid
	TierExpiresAt *time.Time

	// AppliedTxIDs lists the transactions credited to this record, oldest
	// first. Only the newest MaxAppliedTxIDs are kept.
	AppliedTxIDs []string

	UpdatedAt time.Time
}

// MaxAppliedTxIDs bounds how many credited transactions a record remembers
const MaxAppliedTxIDs = 32

// Applied reports whether txID was already credited to the record
func (r *SubscriptionRecord) Applied(txID string) bool {
	return r != nil && txID != "" && slices.Contains(r.AppliedTxIDs, txID)
}

// LastTxID returns the most recent credited transaction, if any
func (r *SubscriptionRecord) LastTxID() string {
	if r == nil || len(r.AppliedTxIDs) == 0 {
		return ""
	}
	return r.AppliedTxIDs[len(r.AppliedTxIDs)-1]
}

// withApplied returns the record's applied list with txID appended
func (r *SubscriptionRecord) withApplied(txID string) []string {
	var ids []string
	if r != nil {
		ids = slices.Clone(r.AppliedTxIDs)
	}
	if txID == "" {
		return ids
	}
	ids = append(ids, txID)
	if len(ids) > MaxAppliedTxIDs {
		ids = ids[len(ids)-MaxAppliedTxIDs:]
	}
	return ids
}

// Expired reports whether a premium record has passed its expiry at now
func (r *SubscriptionRecord) Expired(now time.Time) bool {
	return r != nil && r.Tier == TierPremium && r.TierExpiresAt != nil && now.After(*r.TierExpiresAt)
}

// ContentItem is an append-only piece of tiered content
type ContentItem struct {
	ID        string
	Tier      Tier
	Body      string
	CreatedAt time.Time
}

// Recipient is a registered messaging user
type Recipient struct {
	ID           string
	Username     string
	DisplayName  string
	RegisteredAt time.Time
}

// Outcome describes how a processed transaction ended
type Outcome string

const (
	// OutcomeProvisioned means a new grant was issued and delivered
	OutcomeProvisioned Outcome = "provisioned"
	// OutcomeDuplicate means the grant already existed and was delivered before
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeUndelivered means the grant exists but the recipient was not notified
	OutcomeUndelivered Outcome = "undelivered"
)

// Result is the structured outcome of Pipeline.Process
type Result struct {
	Outcome     Outcome
	Transaction *Transaction
	Recipient   RecipientIdentity
	Grant       *AccessGrant
}

// InviteRequest describes a channel invite link to create
type InviteRequest struct {
	ChatID      string
	Name        string
	MemberLimit int
	ExpireAt    time.Time
}

// BroadcastReport summarizes a best-effort broadcast
type BroadcastReport struct {
	Total  int
	Sent   int
	Failed int
}
