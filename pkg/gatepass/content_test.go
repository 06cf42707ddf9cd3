package gatepass_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/storage/memory"
)

func TestVisibleContent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	items := []*gatepass.ContentItem{
		{ID: "f1", Tier: gatepass.TierFree, Body: "free 1", CreatedAt: testNow},
		{ID: "p1", Tier: gatepass.TierPremium, Body: "premium 1", CreatedAt: testNow.Add(time.Minute)},
		{ID: "f2", Tier: gatepass.TierFree, Body: "free 2", CreatedAt: testNow.Add(2 * time.Minute)},
		{ID: "p2", Tier: gatepass.TierPremium, Body: "premium 2", CreatedAt: testNow.Add(3 * time.Minute)},
	}
	for _, item := range items {
		require.NoError(t, store.AddContent(ctx, item))
	}

	free, err := gatepass.VisibleContent(ctx, store, gatepass.TierFree, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"f2", "f1"}, ids(free))

	premium, err := gatepass.VisibleContent(ctx, store, gatepass.TierPremium, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "f2", "p1", "f1"}, ids(premium))

	limited, err := gatepass.VisibleContent(ctx, store, gatepass.TierPremium, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "f2", "p1"}, ids(limited))
}

func TestTier_Satisfies(t *testing.T) {
	assert.True(t, gatepass.TierFree.Satisfies(gatepass.TierFree))
	assert.False(t, gatepass.TierFree.Satisfies(gatepass.TierPremium))
	assert.True(t, gatepass.TierPremium.Satisfies(gatepass.TierFree))
	assert.True(t, gatepass.TierPremium.Satisfies(gatepass.TierPremium))
}

func ids(items []*gatepass.ContentItem) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
