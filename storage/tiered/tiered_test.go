package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/gatepass/gatepasstest"
	"github.com/mihaimyh/gatepass/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// failingStore fails subscription and recipient writes
type failingStore struct {
	*memory.Storage
	err error
}

func (f *failingStore) UpdateSubscription(context.Context, string,
	gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	return nil, f.err
}

func (f *failingStore) SaveRecipient(context.Context, *gatepass.Recipient) error {
	return f.err
}

func premiumUntil(expires time.Time, txID string) gatepass.SubscriptionUpdate {
	return func(*gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
		return &gatepass.SubscriptionRecord{
			Tier:          gatepass.TierPremium,
			TierExpiresAt: &expires,
			AppliedTxIDs:  []string{txID},
			UpdatedAt:     testNow,
		}, nil
	}
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncMirror: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		storage, err := New(Config{
			Hot:            memory.New(),
			Cold:           memory.New(),
			AsyncMirror:    true,
			SyncBufferSize: 500,
		})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 500, cap(storage.syncQueue))
	})
}

func TestStorage_Suite(t *testing.T) {
	storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
	require.NoError(t, err)
	defer storage.Close()

	gatepasstest.RunStorageSuite(t, storage)
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetSubscription_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()

	// Not found anywhere
	_, err := storage.GetSubscription(ctx, "42")
	assert.ErrorIs(t, err, gatepass.ErrSubscriptionNotFound)

	// Only in Cold
	_, err = cold.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-1"))
	require.NoError(t, err)
	_, err = hot.GetSubscription(ctx, "42")
	assert.ErrorIs(t, err, gatepass.ErrSubscriptionNotFound)

	rec, err := storage.GetSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", rec.LastTxID())

	// Hot populated by the read
	cached, err := hot.GetSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", cached.LastTxID())
}

func TestStorage_GetSubscription_ServedFromHot(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	_, err := hot.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-hot"))
	require.NoError(t, err)

	rec, err := storage.GetSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "tx-hot", rec.LastTxID())
}

func TestStorage_GetRecipient_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, cold.SaveRecipient(ctx, &gatepass.Recipient{ID: "42", Username: "ada", RegisteredAt: testNow}))

	r, err := storage.GetRecipient(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "ada", r.Username)

	cached, err := hot.GetRecipient(ctx, "42")
	require.NoError(t, err)
	assert.True(t, cached.RegisteredAt.Equal(testNow))

	_, err = storage.GetRecipient(ctx, "missing")
	assert.ErrorIs(t, err, gatepass.ErrRecipientNotFound)
}

// --- Write-Through Strategy Tests ---

func TestStorage_UpdateSubscription_WriteThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	rec, err := storage.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-1"))
	require.NoError(t, err)
	assert.Equal(t, gatepass.TierPremium, rec.Tier)

	coldRec, err := cold.GetSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", coldRec.LastTxID())

	hotRec, err := hot.GetSubscription(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", hotRec.LastTxID())
}

func TestStorage_UpdateSubscription_ConcurrentKeepsHotFresh(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.UpdateSubscription(ctx, "42",
				func(current *gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
					base := testNow
					if current != nil && current.TierExpiresAt != nil {
						base = *current.TierExpiresAt
					}
					next := base.Add(time.Hour)
					return &gatepass.SubscriptionRecord{Tier: gatepass.TierPremium, TierExpiresAt: &next}, nil
				})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	hotRec, err := hot.GetSubscription(ctx, "42")
	require.NoError(t, err)
	require.NotNil(t, hotRec.TierExpiresAt)
	assert.True(t, hotRec.TierExpiresAt.Equal(testNow.Add(workers*time.Hour)))
}

func TestStorage_SaveRecipient_KeepsFirstRegistration(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.SaveRecipient(ctx, &gatepass.Recipient{ID: "42", Username: "ada", RegisteredAt: testNow}))
	require.NoError(t, storage.SaveRecipient(ctx, &gatepass.Recipient{
		ID: "42", Username: "ada_l", RegisteredAt: testNow.Add(time.Hour),
	}))

	for name, store := range map[string]gatepass.Storage{"hot": hot, "cold": cold} {
		r, err := store.GetRecipient(ctx, "42")
		require.NoError(t, err, name)
		assert.Equal(t, "ada_l", r.Username, name)
		assert.True(t, r.RegisteredAt.Equal(testNow), name)
	}
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	hot := memory.New()
	boom := errors.New("cold down")
	cold := &failingStore{Storage: memory.New(), err: boom}
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-1"))
	assert.ErrorIs(t, err, boom)

	// Hot must not get ahead of Cold
	_, err = hot.GetSubscription(ctx, "42")
	assert.ErrorIs(t, err, gatepass.ErrSubscriptionNotFound)

	err = storage.SaveRecipient(ctx, &gatepass.Recipient{ID: "42", RegisteredAt: testNow})
	assert.ErrorIs(t, err, boom)
	_, err = hot.GetRecipient(ctx, "42")
	assert.ErrorIs(t, err, gatepass.ErrRecipientNotFound)
}

func TestStorage_HotFailure_Reported(t *testing.T) {
	boom := errors.New("hot down")
	hot := &failingStore{Storage: memory.New(), err: boom}
	cold := memory.New()

	var mu sync.Mutex
	var reported []error
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncErrorHandler: func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}})
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-1"))
	require.NoError(t, err, "Cold succeeded so the write succeeds")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], boom)
}

// --- Cold-Only Strategy Tests ---

func TestStorage_Grants_ColdOnly(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	_, reserved, err := storage.ReserveGrant(ctx, &gatepass.ReserveRequest{TxID: "tx-1", RecipientID: "42", Now: testNow})
	require.NoError(t, err)
	assert.True(t, reserved)

	_, err = cold.GetGrant(ctx, "tx-1")
	assert.NoError(t, err)
	_, err = hot.GetGrant(ctx, "tx-1")
	assert.ErrorIs(t, err, gatepass.ErrGrantNotFound)
}

func TestStorage_Content_ColdOnly(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold})
	defer storage.Close()

	ctx := context.Background()
	require.NoError(t, storage.AddContent(ctx, &gatepass.ContentItem{
		ID: "c1", Tier: gatepass.TierFree, Body: "hello", CreatedAt: testNow,
	}))

	items, err := cold.ListContent(ctx, gatepass.TierFree, 10)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = hot.ListContent(ctx, gatepass.TierFree, 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// --- Async Mirror Tests ---

func TestStorage_AsyncMirror(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{Hot: hot, Cold: cold, AsyncMirror: true})
	defer storage.Close()

	ctx := context.Background()
	_, err := storage.UpdateSubscription(ctx, "42", premiumUntil(testNow.Add(time.Hour), "tx-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rec, err := hot.GetSubscription(ctx, "42")
		return err == nil && rec.LastTxID() == "tx-1"
	}, time.Second, 10*time.Millisecond)
}

// --- Close/Graceful Shutdown Tests ---

func TestStorage_Close(t *testing.T) {
	storage, _ := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncMirror: true})

	// Close should not panic
	assert.NoError(t, storage.Close())

	// Second close should also not panic
	assert.NoError(t, storage.Close())
}

func TestStorage_Close_DrainsQueue(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	storage, _ := New(Config{
		Hot:            hot,
		Cold:           cold,
		AsyncMirror:    true,
		SyncBufferSize: 10,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, storage.SaveRecipient(ctx, &gatepass.Recipient{
			ID: string(rune('a' + i)), RegisteredAt: testNow,
		}))
	}

	// Close drains the queue before returning
	require.NoError(t, storage.Close())

	for i := 0; i < 5; i++ {
		_, err := hot.GetRecipient(ctx, string(rune('a'+i)))
		assert.NoError(t, err)
	}
}
