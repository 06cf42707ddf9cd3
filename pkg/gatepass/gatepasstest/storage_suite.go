package gatepasstest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// RunStorageSuite exercises the gatepass.Storage contract against one adapter.
// Every case uses fresh random keys, so adapters backed by shared servers need no cleanup.
func RunStorageSuite(t *testing.T, store gatepass.Storage) {
	t.Helper()

	t.Run("ReserveLifecycle", func(t *testing.T) { testReserveLifecycle(t, store) })
	t.Run("ReserveStaleTakeover", func(t *testing.T) { testReserveStaleTakeover(t, store) })
	t.Run("ReservationLostAfterTakeover", func(t *testing.T) { testReservationLostAfterTakeover(t, store) })
	t.Run("ReserveNeedsManual", func(t *testing.T) { testReserveNeedsManual(t, store) })
	t.Run("ReserveConcurrent", func(t *testing.T) { testReserveConcurrent(t, store) })
	t.Run("GrantMarks", func(t *testing.T) { testGrantMarks(t, store) })
	t.Run("UpdateSubscription", func(t *testing.T) { testUpdateSubscription(t, store) })
	t.Run("UpdateSubscriptionConcurrent", func(t *testing.T) { testUpdateSubscriptionConcurrent(t, store) })
	t.Run("Recipients", func(t *testing.T) { testRecipients(t, store) })
	t.Run("Content", func(t *testing.T) { testContent(t, store) })
}

var suiteBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func testReserveLifecycle(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")
	req := &gatepass.ReserveRequest{TxID: txID, RecipientID: "42", Now: suiteBase, StaleAfter: time.Minute}

	grant, reserved, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, gatepass.GrantStatusReserved, grant.Status)
	assert.Equal(t, 1, grant.Attempts)

	_, reserved, err = store.ReserveGrant(ctx, req)
	assert.ErrorIs(t, err, gatepass.ErrGrantInProgress)
	assert.False(t, reserved)

	require.NoError(t, store.FailGrant(ctx, txID, 1, gatepass.GrantStatusFailed, "boom"))
	failed, err := store.GetGrant(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, gatepass.GrantStatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.LastError)

	grant, reserved, err = store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, 2, grant.Attempts)

	grant.Status = gatepass.GrantStatusProvisioned
	grant.Link = "https://t.me/+abc"
	grant.SingleUse = true
	grant.CreatedAt = suiteBase
	grant.ExpiresAt = suiteBase.Add(7 * 24 * time.Hour)
	require.NoError(t, store.CompleteGrant(ctx, grant))

	existing, reserved, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, gatepass.GrantStatusProvisioned, existing.Status)
	assert.Equal(t, "https://t.me/+abc", existing.Link)
	assert.True(t, existing.SingleUse)
	assert.Equal(t, 2, existing.Attempts)
	assert.True(t, existing.ExpiresAt.Equal(suiteBase.Add(7*24*time.Hour)))
}

func testReserveStaleTakeover(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")
	req := &gatepass.ReserveRequest{TxID: txID, RecipientID: "42", Now: suiteBase, StaleAfter: time.Minute}

	_, reserved, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	require.True(t, reserved)

	later := *req
	later.Now = suiteBase.Add(2 * time.Minute)
	grant, reserved, err := store.ReserveGrant(ctx, &later)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, 2, grant.Attempts)
	assert.True(t, grant.ReservedAt.Equal(later.Now))
}

func testReservationLostAfterTakeover(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")
	req := &gatepass.ReserveRequest{TxID: txID, RecipientID: "42", Now: suiteBase, StaleAfter: time.Minute}

	first, reserved, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	require.True(t, reserved)

	later := *req
	later.Now = suiteBase.Add(3 * time.Minute)
	second, reserved, err := store.ReserveGrant(ctx, &later)
	require.NoError(t, err)
	require.True(t, reserved)

	stale := *first
	stale.Status = gatepass.GrantStatusProvisioned
	stale.Link = "https://t.me/+stale"
	assert.ErrorIs(t, store.CompleteGrant(ctx, &stale), gatepass.ErrReservationLost)

	second.Status = gatepass.GrantStatusProvisioned
	second.Link = "https://t.me/+fresh"
	second.SingleUse = true
	require.NoError(t, store.CompleteGrant(ctx, second))

	err = store.FailGrant(ctx, txID, first.Attempts, gatepass.GrantStatusFailed, "late failure")
	assert.ErrorIs(t, err, gatepass.ErrReservationLost)
	err = store.FailGrant(ctx, txID, second.Attempts, gatepass.GrantStatusFailed, "after completion")
	assert.ErrorIs(t, err, gatepass.ErrReservationLost)

	stored, err := store.GetGrant(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, gatepass.GrantStatusProvisioned, stored.Status)
	assert.Equal(t, "https://t.me/+fresh", stored.Link)
	assert.Empty(t, stored.LastError)

	assert.ErrorIs(t, store.FailGrant(ctx, newID("tx"), 1, gatepass.GrantStatusFailed, "x"), gatepass.ErrGrantNotFound)
}

func testReserveNeedsManual(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")
	req := &gatepass.ReserveRequest{TxID: txID, RecipientID: "42", Now: suiteBase}

	_, _, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	require.NoError(t, store.FailGrant(ctx, txID, 1, gatepass.GrantStatusNeedsManual, "exhausted"))

	grant, reserved, err := store.ReserveGrant(ctx, req)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, gatepass.GrantStatusNeedsManual, grant.Status)
	assert.Equal(t, "exhausted", grant.LastError)
}

func testReserveConcurrent(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")

	const workers = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		reserved   int
		inProgress int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ReserveGrant(ctx, &gatepass.ReserveRequest{
				TxID: txID, RecipientID: "42", Now: suiteBase, StaleAfter: time.Hour,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && ok:
				reserved++
			case errors.Is(err, gatepass.ErrGrantInProgress):
				inProgress++
			default:
				t.Errorf("unexpected reserve result: reserved=%v err=%v", ok, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reserved)
	assert.Equal(t, workers-1, inProgress)
}

func testGrantMarks(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	txID := newID("tx")

	_, err := store.GetGrant(ctx, txID)
	assert.ErrorIs(t, err, gatepass.ErrGrantNotFound)
	assert.ErrorIs(t, store.MarkDelivered(ctx, txID, suiteBase), gatepass.ErrGrantNotFound)
	assert.ErrorIs(t, store.MarkLedgerApplied(ctx, txID), gatepass.ErrGrantNotFound)

	grant, _, err := store.ReserveGrant(ctx, &gatepass.ReserveRequest{TxID: txID, RecipientID: "42", Now: suiteBase})
	require.NoError(t, err)
	grant.Status = gatepass.GrantStatusProvisioned
	grant.Link = "https://t.me/+xyz"
	require.NoError(t, store.CompleteGrant(ctx, grant))

	stored, err := store.GetGrant(ctx, txID)
	require.NoError(t, err)
	assert.False(t, stored.Delivered())
	assert.False(t, stored.LedgerApplied)

	deliveredAt := suiteBase.Add(time.Second)
	require.NoError(t, store.MarkDelivered(ctx, txID, deliveredAt))
	require.NoError(t, store.MarkLedgerApplied(ctx, txID))

	stored, err = store.GetGrant(ctx, txID)
	require.NoError(t, err)
	require.True(t, stored.Delivered())
	assert.True(t, stored.DeliveredAt.Equal(deliveredAt))
	assert.True(t, stored.LedgerApplied)
	assert.Equal(t, "42", stored.RecipientID)
	assert.Equal(t, "https://t.me/+xyz", stored.Link)
}

func testUpdateSubscription(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	id := newID("recipient")

	_, err := store.GetSubscription(ctx, id)
	assert.ErrorIs(t, err, gatepass.ErrSubscriptionNotFound)

	expires := suiteBase.Add(30 * 24 * time.Hour)
	rec, err := store.UpdateSubscription(ctx, id, func(current *gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
		assert.Nil(t, current)
		return &gatepass.SubscriptionRecord{
			RecipientID:   id,
			Tier:          gatepass.TierPremium,
			TierExpiresAt: &expires,
			AppliedTxIDs:  []string{"tx-0", "tx-1"},
			UpdatedAt:     suiteBase,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, gatepass.TierPremium, rec.Tier)

	unchanged, err := store.UpdateSubscription(ctx, id, func(current *gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
		require.NotNil(t, current)
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, unchanged)
	assert.Equal(t, "tx-1", unchanged.LastTxID())

	boom := errors.New("boom")
	_, err = store.UpdateSubscription(ctx, id, func(*gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := store.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, stored.RecipientID)
	assert.Equal(t, gatepass.TierPremium, stored.Tier)
	assert.Equal(t, []string{"tx-0", "tx-1"}, stored.AppliedTxIDs)
	assert.True(t, stored.Applied("tx-0"))
	require.NotNil(t, stored.TierExpiresAt)
	assert.True(t, stored.TierExpiresAt.Equal(expires))
}

func testUpdateSubscriptionConcurrent(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	id := newID("recipient")

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateSubscription(ctx, id, func(current *gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
				base := suiteBase
				if current != nil && current.TierExpiresAt != nil {
					base = *current.TierExpiresAt
				}
				next := base.Add(time.Hour)
				return &gatepass.SubscriptionRecord{
					RecipientID:   id,
					Tier:          gatepass.TierPremium,
					TierExpiresAt: &next,
					UpdatedAt:     suiteBase,
				}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := store.GetSubscription(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.TierExpiresAt)
	assert.True(t, stored.TierExpiresAt.Equal(suiteBase.Add(workers*time.Hour)),
		"expected %v, got %v", suiteBase.Add(workers*time.Hour), stored.TierExpiresAt)
}

func testRecipients(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	id := newID("recipient")

	_, err := store.GetRecipient(ctx, id)
	assert.ErrorIs(t, err, gatepass.ErrRecipientNotFound)

	require.NoError(t, store.SaveRecipient(ctx, &gatepass.Recipient{
		ID: id, Username: "ada", RegisteredAt: suiteBase,
	}))
	require.NoError(t, store.SaveRecipient(ctx, &gatepass.Recipient{
		ID: id, Username: "ada_l", DisplayName: "Ada", RegisteredAt: suiteBase.Add(time.Hour),
	}))

	r, err := store.GetRecipient(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ada_l", r.Username)
	assert.Equal(t, "Ada", r.DisplayName)
	assert.True(t, r.RegisteredAt.Equal(suiteBase), "first registration time must be kept")

	list, err := store.ListRecipients(ctx)
	require.NoError(t, err)
	found := false
	for _, item := range list {
		if item.ID == id {
			found = true
		}
	}
	assert.True(t, found, "registered recipient missing from list")
}

func testContent(t *testing.T, store gatepass.Storage) {
	ctx := context.Background()
	marker := uuid.NewString()
	// ahead of anything earlier runs against a shared server wrote
	base := time.Now().UTC().Truncate(time.Second).AddDate(50, 0, 0)

	items := []*gatepass.ContentItem{
		{ID: newID("c"), Tier: gatepass.TierPremium, Body: marker + " p1", CreatedAt: base},
		{ID: newID("c"), Tier: gatepass.TierFree, Body: marker + " f1", CreatedAt: base.Add(time.Minute)},
		{ID: newID("c"), Tier: gatepass.TierPremium, Body: marker + " p2", CreatedAt: base.Add(2 * time.Minute)},
		{ID: newID("c"), Tier: gatepass.TierPremium, Body: marker + " p3", CreatedAt: base.Add(3 * time.Minute)},
	}
	for _, item := range items {
		require.NoError(t, store.AddContent(ctx, item))
	}

	premium, err := store.ListContent(ctx, gatepass.TierPremium, 2)
	require.NoError(t, err)
	require.Len(t, premium, 2)
	assert.Equal(t, marker+" p3", premium[0].Body)
	assert.Equal(t, marker+" p2", premium[1].Body)
	assert.True(t, premium[0].CreatedAt.Equal(base.Add(3*time.Minute)))
	assert.Equal(t, gatepass.TierPremium, premium[0].Tier)
}
