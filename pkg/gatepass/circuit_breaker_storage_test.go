package gatepass_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/storage/memory"
)

// brokenStorage fails every grant lookup as if the backend were down
type brokenStorage struct {
	*memory.Storage
	err error
}

func (s *brokenStorage) GetGrant(_ context.Context, _ string) (*gatepass.AccessGrant, error) {
	return nil, s.err
}

type countingMetrics struct {
	gatepass.NoopMetrics
	ops    []string
	errors int
}

func (m *countingMetrics) RecordStorageOperation(op string, _ time.Duration, err error) {
	m.ops = append(m.ops, op)
	if err != nil {
		m.errors++
	}
}

func TestCircuitBreakerStorage_OpensOnBackendFailures(t *testing.T) {
	ctx := context.Background()
	backend := &brokenStorage{Storage: memory.New(), err: errors.New("connection refused")}
	cb := gatepass.NewBreaker(gatepass.BreakerConfig{Threshold: 2, ResetTimeout: time.Hour})
	store := gatepass.NewCircuitBreakerStorage(backend, cb, nil)

	for i := 0; i < 2; i++ {
		_, err := store.GetGrant(ctx, "tx1")
		assert.EqualError(t, err, "connection refused")
	}
	assert.Equal(t, gatepass.StateOpen, cb.State())

	_, _, err := store.ReserveGrant(ctx, &gatepass.ReserveRequest{TxID: "tx1", Now: testNow})
	assert.ErrorIs(t, err, gatepass.ErrCircuitOpen)
	assert.True(t, gatepass.IsRetryable(err))
}

func TestCircuitBreakerStorage_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	cb := gatepass.NewBreaker(gatepass.BreakerConfig{Threshold: 1, ResetTimeout: time.Hour})
	metrics := &countingMetrics{}
	store := gatepass.NewCircuitBreakerStorage(memory.New(), cb, metrics)

	_, err := store.GetGrant(ctx, "missing")
	assert.ErrorIs(t, err, gatepass.ErrGrantNotFound)
	_, err = store.GetSubscription(ctx, "missing")
	assert.ErrorIs(t, err, gatepass.ErrSubscriptionNotFound)
	_, err = store.GetRecipient(ctx, "missing")
	assert.ErrorIs(t, err, gatepass.ErrRecipientNotFound)

	assert.Equal(t, gatepass.StateClosed, cb.State())
	assert.Equal(t, []string{"get_grant", "get_subscription", "get_recipient"}, metrics.ops)
	assert.Equal(t, 3, metrics.errors)
}

func TestCircuitBreakerStorage_PassesThrough(t *testing.T) {
	ctx := context.Background()
	cb := gatepass.NewBreaker(gatepass.BreakerConfig{Threshold: 1, ResetTimeout: time.Hour})
	store := gatepass.NewCircuitBreakerStorage(memory.New(), cb, nil)

	grant, reserved, err := store.ReserveGrant(ctx, &gatepass.ReserveRequest{TxID: "tx1", RecipientID: "42", Now: testNow})
	require.NoError(t, err)
	require.True(t, reserved)

	_, _, err = store.ReserveGrant(ctx, &gatepass.ReserveRequest{TxID: "tx1", RecipientID: "42", Now: testNow})
	assert.ErrorIs(t, err, gatepass.ErrGrantInProgress)
	assert.Equal(t, gatepass.StateClosed, cb.State())

	grant.Status = gatepass.GrantStatusProvisioned
	require.NoError(t, store.CompleteGrant(ctx, grant))
	require.NoError(t, store.MarkDelivered(ctx, "tx1", testNow))
	require.NoError(t, store.MarkLedgerApplied(ctx, "tx1"))

	stored, err := store.GetGrant(ctx, "tx1")
	require.NoError(t, err)
	assert.True(t, stored.Delivered())
	assert.True(t, stored.LedgerApplied)

	rec, err := store.UpdateSubscription(ctx, "42", func(*gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
		return &gatepass.SubscriptionRecord{Tier: gatepass.TierPremium}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "42", rec.RecipientID)

	require.NoError(t, store.SaveRecipient(ctx, &gatepass.Recipient{ID: "42"}))
	list, err := store.ListRecipients(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.AddContent(ctx, &gatepass.ContentItem{ID: "c1", Tier: gatepass.TierFree, CreatedAt: testNow}))
	items, err := store.ListContent(ctx, gatepass.TierFree, 5)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// a completed grant is no longer a reservation; the breaker ignores the conflict
	err = store.FailGrant(ctx, "tx1", 1, gatepass.GrantStatusFailed, "x")
	assert.ErrorIs(t, err, gatepass.ErrReservationLost)
	assert.Equal(t, gatepass.StateClosed, cb.State())
}
