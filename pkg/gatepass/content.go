package gatepass

import (
	"context"
	"slices"
)

// DefaultContentLimit is used when a content listing asks for no limit
const DefaultContentLimit = 10

// VisibleContent returns the newest items a recipient of tier may see.
// Premium recipients see premium and free items merged by recency.
func VisibleContent(ctx context.Context, store ContentStore, tier Tier, limit int) ([]*ContentItem, error) {
	if limit <= 0 {
		limit = DefaultContentLimit
	}

	items, err := store.ListContent(ctx, TierFree, limit)
	if err != nil {
		return nil, err
	}
	if tier != TierPremium {
		return items, nil
	}

	premium, err := store.ListContent(ctx, TierPremium, limit)
	if err != nil {
		return nil, err
	}

	items = append(premium, items...)
	slices.SortStableFunc(items, func(a, b *ContentItem) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}
