package gatepass

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Ledger tracks a recipient's subscription tier.
//
// Tiers move free → premium on a successful payment, premium → premium when a
// payment extends an active subscription, and premium → free lazily on the
// first Check after expiry. There is no background sweep.
type Ledger interface {
	// Extend grants premium for one subscription period on behalf of txID.
	// Applying the same txID twice extends only once.
	Extend(ctx context.Context, recipientID, txID string, now time.Time) (*SubscriptionRecord, error)

	// Check returns the recipient's current record, creating a free record on
	// first contact and persisting the downgrade of an expired premium record.
	Check(ctx context.Context, recipientID string, now time.Time) (*SubscriptionRecord, error)
}

// NoopLedger is the ledger of one-shot deployments where a payment only buys
// the invite. Every recipient is reported as free and nothing is persisted.
type NoopLedger struct{}

func (NoopLedger) Extend(_ context.Context, recipientID, _ string, now time.Time) (*SubscriptionRecord, error) {
	return &SubscriptionRecord{RecipientID: recipientID, Tier: TierFree, UpdatedAt: now}, nil
}

func (NoopLedger) Check(_ context.Context, recipientID string, now time.Time) (*SubscriptionRecord, error) {
	return &SubscriptionRecord{RecipientID: recipientID, Tier: TierFree, UpdatedAt: now}, nil
}

// StoreLedger persists subscription state through a SubscriptionStore
type StoreLedger struct {
	store   SubscriptionStore
	period  time.Duration
	logger  Logger
	metrics Metrics
}

// NewStoreLedger creates a ledger backed by store
func NewStoreLedger(store SubscriptionStore, config Config) (*StoreLedger, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	config = config.withDefaults()

	return &StoreLedger{
		store:   store,
		period:  config.SubscriptionPeriod,
		logger:  config.Logger,
		metrics: config.Metrics,
	}, nil
}

// Extend sets tier premium with expiry max(now, current expiry) + period
func (l *StoreLedger) Extend(ctx context.Context, recipientID, txID string, now time.Time) (*SubscriptionRecord, error) {
	var fromTier Tier
	rec, err := l.store.UpdateSubscription(ctx, recipientID, func(current *SubscriptionRecord) (*SubscriptionRecord, error) {
		fromTier = ""
		if current.Applied(txID) {
			return nil, nil
		}

		base := now
		fromTier = TierFree
		if current != nil {
			fromTier = current.Tier
			if current.TierExpiresAt != nil && now.Before(*current.TierExpiresAt) {
				base = *current.TierExpiresAt
			}
		}
		expiresAt := base.Add(l.period)

		return &SubscriptionRecord{
			RecipientID:   recipientID,
			Tier:          TierPremium,
			TierExpiresAt: &expiresAt,
			AppliedTxIDs:  current.withApplied(txID),
			UpdatedAt:     now,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("extend subscription: %w", err)
	}

	if fromTier == "" {
		l.logger.Debug("subscription already extended for transaction",
			F("recipient_id", recipientID),
			F("tx_id", txID),
		)
		return rec, nil
	}
	if fromTier != TierPremium {
		l.metrics.RecordTierChange(string(fromTier), string(TierPremium))
	}
	l.logger.Info("subscription extended",
		F("recipient_id", recipientID),
		F("tx_id", txID),
		F("expires_at", rec.TierExpiresAt),
	)
	return rec, nil
}

// Check returns the recipient's tier at now
func (l *StoreLedger) Check(ctx context.Context, recipientID string, now time.Time) (*SubscriptionRecord, error) {
	rec, err := l.store.GetSubscription(ctx, recipientID)
	switch {
	case err == nil && !rec.Expired(now):
		return rec, nil
	case err != nil && !errors.Is(err, ErrSubscriptionNotFound):
		return nil, fmt.Errorf("check subscription: %w", err)
	}

	downgraded := false
	rec, err = l.store.UpdateSubscription(ctx, recipientID, func(current *SubscriptionRecord) (*SubscriptionRecord, error) {
		downgraded = false
		if current == nil {
			return &SubscriptionRecord{
				RecipientID: recipientID,
				Tier:        TierFree,
				UpdatedAt:   now,
			}, nil
		}
		if !current.Expired(now) {
			return nil, nil
		}

		next := *current
		next.Tier = TierFree
		next.UpdatedAt = now
		downgraded = true
		return &next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("check subscription: %w", err)
	}

	if downgraded {
		l.metrics.RecordTierChange(string(TierPremium), string(TierFree))
		l.logger.Info("subscription expired", F("recipient_id", recipientID))
	}
	return rec, nil
}
