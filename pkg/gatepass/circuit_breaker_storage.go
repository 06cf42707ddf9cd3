package gatepass

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker
// protection and per-operation metrics. Lookups that miss and in-progress
// reservations are answers, not outages, so they never trip the breaker.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
// metrics may be nil.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
		metrics: metrics,
	}
}

func isExpectedStorageError(err error) bool {
	return errors.Is(err, ErrGrantNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrRecipientNotFound) ||
		errors.Is(err, ErrGrantInProgress) ||
		errors.Is(err, ErrReservationLost) ||
		errors.Is(err, context.Canceled)
}

func (s *CircuitBreakerStorage) exec(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	var opErr error
	err := s.cb.Execute(ctx, func() error {
		opErr = fn()
		if isExpectedStorageError(opErr) {
			return nil
		}
		return opErr
	})
	if err == nil {
		err = opErr
	}
	s.metrics.RecordStorageOperation(op, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStorage) ReserveGrant(ctx context.Context, req *ReserveRequest) (*AccessGrant, bool, error) {
	var (
		grant    *AccessGrant
		reserved bool
	)
	err := s.exec(ctx, "reserve_grant", func() error {
		var e error
		grant, reserved, e = s.storage.ReserveGrant(ctx, req)
		return e
	})
	return grant, reserved, err
}

func (s *CircuitBreakerStorage) CompleteGrant(ctx context.Context, grant *AccessGrant) error {
	return s.exec(ctx, "complete_grant", func() error {
		return s.storage.CompleteGrant(ctx, grant)
	})
}

func (s *CircuitBreakerStorage) FailGrant(ctx context.Context, txID string, attempt int, status GrantStatus, reason string) error {
	return s.exec(ctx, "fail_grant", func() error {
		return s.storage.FailGrant(ctx, txID, attempt, status, reason)
	})
}

func (s *CircuitBreakerStorage) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	return s.exec(ctx, "mark_delivered", func() error {
		return s.storage.MarkDelivered(ctx, txID, at)
	})
}

func (s *CircuitBreakerStorage) MarkLedgerApplied(ctx context.Context, txID string) error {
	return s.exec(ctx, "mark_ledger_applied", func() error {
		return s.storage.MarkLedgerApplied(ctx, txID)
	})
}

func (s *CircuitBreakerStorage) GetGrant(ctx context.Context, txID string) (*AccessGrant, error) {
	var grant *AccessGrant
	err := s.exec(ctx, "get_grant", func() error {
		var e error
		grant, e = s.storage.GetGrant(ctx, txID)
		return e
	})
	return grant, err
}

func (s *CircuitBreakerStorage) GetSubscription(ctx context.Context, recipientID string) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.exec(ctx, "get_subscription", func() error {
		var e error
		rec, e = s.storage.GetSubscription(ctx, recipientID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) UpdateSubscription(ctx context.Context, recipientID string,
	fn SubscriptionUpdate) (*SubscriptionRecord, error) {
	var rec *SubscriptionRecord
	err := s.exec(ctx, "update_subscription", func() error {
		var e error
		rec, e = s.storage.UpdateSubscription(ctx, recipientID, fn)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) SaveRecipient(ctx context.Context, r *Recipient) error {
	return s.exec(ctx, "save_recipient", func() error {
		return s.storage.SaveRecipient(ctx, r)
	})
}

func (s *CircuitBreakerStorage) GetRecipient(ctx context.Context, recipientID string) (*Recipient, error) {
	var r *Recipient
	err := s.exec(ctx, "get_recipient", func() error {
		var e error
		r, e = s.storage.GetRecipient(ctx, recipientID)
		return e
	})
	return r, err
}

func (s *CircuitBreakerStorage) ListRecipients(ctx context.Context) ([]*Recipient, error) {
	var list []*Recipient
	err := s.exec(ctx, "list_recipients", func() error {
		var e error
		list, e = s.storage.ListRecipients(ctx)
		return e
	})
	return list, err
}

func (s *CircuitBreakerStorage) AddContent(ctx context.Context, item *ContentItem) error {
	return s.exec(ctx, "add_content", func() error {
		return s.storage.AddContent(ctx, item)
	})
}

func (s *CircuitBreakerStorage) ListContent(ctx context.Context, tier Tier, limit int) ([]*ContentItem, error) {
	var items []*ContentItem
	err := s.exec(ctx, "list_content", func() error {
		var e error
		items, e = s.storage.ListContent(ctx, tier, limit)
		return e
	})
	return items, err
}
