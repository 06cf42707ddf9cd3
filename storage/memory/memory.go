// Package memory provides an in-memory implementation of the gatepass.Storage interface.
// This implementation is intended for tests, development and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Storage implements gatepass.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	grants        map[string]*gatepass.AccessGrant
	subscriptions map[string]*gatepass.SubscriptionRecord
	recipients    map[string]*gatepass.Recipient
	content       []*gatepass.ContentItem
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		grants:        make(map[string]*gatepass.AccessGrant),
		subscriptions: make(map[string]*gatepass.SubscriptionRecord),
		recipients:    make(map[string]*gatepass.Recipient),
	}
}

// ReserveGrant implements gatepass.Storage
func (s *Storage) ReserveGrant(_ context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	if req == nil || req.TxID == "" {
		return nil, false, fmt.Errorf("invalid reserve request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, reserved, err := gatepass.NextReservation(s.grants[req.TxID], req)
	if err != nil {
		return copyGrant(grant), false, err
	}
	if reserved {
		s.grants[req.TxID] = copyGrant(grant)
	}
	return copyGrant(grant), reserved, nil
}

// CompleteGrant implements gatepass.Storage
func (s *Storage) CompleteGrant(_ context.Context, grant *gatepass.AccessGrant) error {
	if grant == nil || grant.TxID == "" {
		return fmt.Errorf("invalid grant")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := gatepass.CheckReservation(s.grants[grant.TxID], grant.Attempts); err != nil {
		return err
	}
	s.grants[grant.TxID] = copyGrant(grant)
	return nil
}

// FailGrant implements gatepass.Storage
func (s *Storage) FailGrant(_ context.Context, txID string, attempt int, status gatepass.GrantStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant := s.grants[txID]
	if err := gatepass.CheckReservation(grant, attempt); err != nil {
		return err
	}
	s.grants[txID] = gatepass.ApplyFailure(grant, status, reason)
	return nil
}

// MarkDelivered implements gatepass.Storage
func (s *Storage) MarkDelivered(_ context.Context, txID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[txID]
	if !ok {
		return gatepass.ErrGrantNotFound
	}
	grant.DeliveredAt = &at
	return nil
}

// MarkLedgerApplied implements gatepass.Storage
func (s *Storage) MarkLedgerApplied(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[txID]
	if !ok {
		return gatepass.ErrGrantNotFound
	}
	grant.LedgerApplied = true
	return nil
}

// GetGrant implements gatepass.Storage
func (s *Storage) GetGrant(_ context.Context, txID string) (*gatepass.AccessGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[txID]
	if !ok {
		return nil, gatepass.ErrGrantNotFound
	}
	return copyGrant(grant), nil
}

// GetSubscription implements gatepass.Storage
func (s *Storage) GetSubscription(_ context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.subscriptions[recipientID]
	if !ok {
		return nil, gatepass.ErrSubscriptionNotFound
	}
	return copySubscription(rec), nil
}

// UpdateSubscription implements gatepass.Storage
func (s *Storage) UpdateSubscription(_ context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := copySubscription(s.subscriptions[recipientID])
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	next.RecipientID = recipientID
	s.subscriptions[recipientID] = copySubscription(next)
	return copySubscription(next), nil
}

// SaveRecipient implements gatepass.Storage
func (s *Storage) SaveRecipient(_ context.Context, r *gatepass.Recipient) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid recipient")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *r
	if existing, ok := s.recipients[r.ID]; ok && !existing.RegisteredAt.IsZero() {
		saved.RegisteredAt = existing.RegisteredAt
	}
	s.recipients[r.ID] = &saved
	return nil
}

// GetRecipient implements gatepass.Storage
func (s *Storage) GetRecipient(_ context.Context, recipientID string) (*gatepass.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipients[recipientID]
	if !ok {
		return nil, gatepass.ErrRecipientNotFound
	}
	copied := *r
	return &copied, nil
}

// ListRecipients implements gatepass.Storage
func (s *Storage) ListRecipients(_ context.Context) ([]*gatepass.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*gatepass.Recipient, 0, len(s.recipients))
	for _, r := range s.recipients {
		copied := *r
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

// AddContent implements gatepass.Storage
func (s *Storage) AddContent(_ context.Context, item *gatepass.ContentItem) error {
	if item == nil || item.ID == "" || !item.Tier.Valid() {
		return fmt.Errorf("invalid content item")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *item
	s.content = append(s.content, &copied)
	return nil
}

// ListContent implements gatepass.Storage
func (s *Storage) ListContent(_ context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*gatepass.ContentItem
	// newest last in the slice; walk backwards
	for i := len(s.content) - 1; i >= 0; i-- {
		if s.content[i].Tier != tier {
			continue
		}
		copied := *s.content[i]
		items = append(items, &copied)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func copyGrant(g *gatepass.AccessGrant) *gatepass.AccessGrant {
	if g == nil {
		return nil
	}
	copied := *g
	if g.DeliveredAt != nil {
		at := *g.DeliveredAt
		copied.DeliveredAt = &at
	}
	return &copied
}

func copySubscription(r *gatepass.SubscriptionRecord) *gatepass.SubscriptionRecord {
	if r == nil {
		return nil
	}
	copied := *r
	if r.TierExpiresAt != nil {
		at := *r.TierExpiresAt
		copied.TierExpiresAt = &at
	}
	copied.AppliedTxIDs = slices.Clone(r.AppliedTxIDs)
	return &copied
}
