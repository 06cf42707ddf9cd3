// Package firestore provides a Firestore implementation of the gatepass.Storage interface.
// This implementation uses Google Cloud Firestore for production-grade persistence.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Storage implements gatepass.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	grantsCollection        string
	subscriptionsCollection string
	recipientsCollection    string
	contentCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// GrantsCollection is the Firestore collection for access grants
	// Default: "gatepass_grants"
	GrantsCollection string

	// SubscriptionsCollection is the Firestore collection for subscription records
	// Default: "gatepass_subscriptions"
	SubscriptionsCollection string

	// RecipientsCollection is the Firestore collection for registered recipients
	// Default: "gatepass_recipients"
	RecipientsCollection string

	// ContentCollection is the Firestore collection for tiered content
	// Default: "gatepass_content"
	ContentCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.GrantsCollection == "" {
		config.GrantsCollection = "gatepass_grants"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "gatepass_subscriptions"
	}
	if config.RecipientsCollection == "" {
		config.RecipientsCollection = "gatepass_recipients"
	}
	if config.ContentCollection == "" {
		config.ContentCollection = "gatepass_content"
	}

	return &Storage{
		client:                  client,
		grantsCollection:        config.GrantsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		recipientsCollection:    config.RecipientsCollection,
		contentCollection:       config.ContentCollection,
	}, nil
}

// ReserveGrant implements gatepass.Storage with a transactional check-and-set
func (s *Storage) ReserveGrant(ctx context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	if req == nil || req.TxID == "" {
		return nil, false, fmt.Errorf("invalid reserve request")
	}

	doc := s.client.Collection(s.grantsCollection).Doc(req.TxID)
	var (
		grant    *gatepass.AccessGrant
		reserved bool
	)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// The function may run more than once
		grant, reserved = nil, false

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var existing *gatepass.AccessGrant
		if err == nil && snap.Exists() {
			existing = grantFromData(req.TxID, snap.Data())
		}

		var nextErr error
		grant, reserved, nextErr = gatepass.NextReservation(existing, req)
		if nextErr != nil || !reserved {
			return nextErr
		}
		return tx.Set(doc, grantData(grant))
	})
	if errors.Is(err, gatepass.ErrGrantInProgress) {
		return grant, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve grant: %w", err)
	}
	return grant, reserved, nil
}

// CompleteGrant implements gatepass.Storage
func (s *Storage) CompleteGrant(ctx context.Context, grant *gatepass.AccessGrant) error {
	if grant == nil || grant.TxID == "" {
		return fmt.Errorf("invalid grant")
	}

	err := s.replaceReserved(ctx, grant.TxID, grant.Attempts, func(*gatepass.AccessGrant) *gatepass.AccessGrant {
		return grant
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("failed to complete grant: %w", err)
	}
	return err
}

// FailGrant implements gatepass.Storage
func (s *Storage) FailGrant(ctx context.Context, txID string, attempt int, st gatepass.GrantStatus, reason string) error {
	err := s.replaceReserved(ctx, txID, attempt, func(stored *gatepass.AccessGrant) *gatepass.AccessGrant {
		return gatepass.ApplyFailure(stored, st, reason)
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("failed to fail grant: %w", err)
	}
	return err
}

// replaceReserved overwrites the grant document with next(stored) inside a
// transaction, provided it is still reservation number attempt
func (s *Storage) replaceReserved(ctx context.Context, txID string, attempt int,
	next func(*gatepass.AccessGrant) *gatepass.AccessGrant) error {
	doc := s.client.Collection(s.grantsCollection).Doc(txID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var stored *gatepass.AccessGrant
		if err == nil && snap.Exists() {
			stored = grantFromData(txID, snap.Data())
		}
		if err := gatepass.CheckReservation(stored, attempt); err != nil {
			return err
		}
		return tx.Set(doc, grantData(next(stored)))
	})
}

func isGrantConflict(err error) bool {
	return errors.Is(err, gatepass.ErrGrantNotFound) || errors.Is(err, gatepass.ErrReservationLost)
}

// MarkDelivered implements gatepass.Storage
func (s *Storage) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	return s.updateGrant(ctx, txID, []firestore.Update{{Path: "deliveredAt", Value: at}})
}

// MarkLedgerApplied implements gatepass.Storage
func (s *Storage) MarkLedgerApplied(ctx context.Context, txID string) error {
	return s.updateGrant(ctx, txID, []firestore.Update{{Path: "ledgerApplied", Value: true}})
}

// updateGrant applies field updates; Update fails with NotFound on missing documents
func (s *Storage) updateGrant(ctx context.Context, txID string, updates []firestore.Update) error {
	_, err := s.client.Collection(s.grantsCollection).Doc(txID).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return gatepass.ErrGrantNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	return nil
}

// GetGrant implements gatepass.Storage
func (s *Storage) GetGrant(ctx context.Context, txID string) (*gatepass.AccessGrant, error) {
	snap, err := s.client.Collection(s.grantsCollection).Doc(txID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gatepass.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	if !snap.Exists() {
		return nil, gatepass.ErrGrantNotFound
	}
	return grantFromData(txID, snap.Data()), nil
}

// GetSubscription implements gatepass.Storage
func (s *Storage) GetSubscription(ctx context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	snap, err := s.client.Collection(s.subscriptionsCollection).Doc(recipientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gatepass.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, gatepass.ErrSubscriptionNotFound
	}
	return subscriptionFromData(recipientID, snap.Data()), nil
}

// UpdateSubscription implements gatepass.Storage with a transactional read-modify-write
func (s *Storage) UpdateSubscription(ctx context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(recipientID)

	var result *gatepass.SubscriptionRecord
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		result = nil

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var current *gatepass.SubscriptionRecord
		if err == nil && snap.Exists() {
			current = subscriptionFromData(recipientID, snap.Data())
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			result = current
			return nil
		}
		next.RecipientID = recipientID

		data := map[string]interface{}{
			"tier":         string(next.Tier),
			"appliedTxIds": appliedTxIDs(next.AppliedTxIDs),
			"updatedAt":    next.UpdatedAt,
		}
		if next.TierExpiresAt != nil {
			data["tierExpiresAt"] = *next.TierExpiresAt
		}
		if err := tx.Set(doc, data); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveRecipient implements gatepass.Storage
func (s *Storage) SaveRecipient(ctx context.Context, r *gatepass.Recipient) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid recipient")
	}

	doc := s.client.Collection(s.recipientsCollection).Doc(r.ID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		registeredAt := r.RegisteredAt
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			if first := getTime(snap.Data(), "registeredAt"); !first.IsZero() {
				registeredAt = first
			}
		}

		return tx.Set(doc, map[string]interface{}{
			"username":     r.Username,
			"displayName":  r.DisplayName,
			"registeredAt": registeredAt,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to save recipient: %w", err)
	}
	return nil
}

// GetRecipient implements gatepass.Storage
func (s *Storage) GetRecipient(ctx context.Context, recipientID string) (*gatepass.Recipient, error) {
	snap, err := s.client.Collection(s.recipientsCollection).Doc(recipientID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, gatepass.ErrRecipientNotFound
		}
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	if !snap.Exists() {
		return nil, gatepass.ErrRecipientNotFound
	}
	return recipientFromData(recipientID, snap.Data()), nil
}

// ListRecipients implements gatepass.Storage
func (s *Storage) ListRecipients(ctx context.Context) ([]*gatepass.Recipient, error) {
	iter := s.client.Collection(s.recipientsCollection).Documents(ctx)
	defer iter.Stop()

	var out []*gatepass.Recipient
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list recipients: %w", err)
		}
		out = append(out, recipientFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddContent implements gatepass.Storage
func (s *Storage) AddContent(ctx context.Context, item *gatepass.ContentItem) error {
	if item == nil || item.ID == "" || !item.Tier.Valid() {
		return fmt.Errorf("invalid content item")
	}

	_, err := s.client.Collection(s.contentCollection).Doc(item.ID).Create(ctx, map[string]interface{}{
		"tier":      string(item.Tier),
		"body":      item.Body,
		"createdAt": item.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to add content: %w", err)
	}
	return nil
}

// ListContent implements gatepass.Storage
// Requires a composite index on (tier, createdAt desc) outside the emulator.
func (s *Storage) ListContent(ctx context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	q := s.client.Collection(s.contentCollection).
		Where("tier", "==", string(tier)).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}

	out := make([]*gatepass.ContentItem, 0, len(docs))
	for _, snap := range docs {
		data := snap.Data()
		out = append(out, &gatepass.ContentItem{
			ID:        snap.Ref.ID,
			Tier:      gatepass.Tier(getString(data, "tier")),
			Body:      getString(data, "body"),
			CreatedAt: getTime(data, "createdAt"),
		})
	}
	return out, nil
}

func grantData(g *gatepass.AccessGrant) map[string]interface{} {
	data := map[string]interface{}{
		"recipientId":   g.RecipientID,
		"link":          g.Link,
		"singleUse":     g.SingleUse,
		"status":        string(g.Status),
		"attempts":      g.Attempts,
		"ledgerApplied": g.LedgerApplied,
		"lastError":     g.LastError,
	}
	// Zero times are left out rather than stored as year 1
	for key, t := range map[string]time.Time{
		"createdAt":  g.CreatedAt,
		"expiresAt":  g.ExpiresAt,
		"reservedAt": g.ReservedAt,
	} {
		if !t.IsZero() {
			data[key] = t
		}
	}
	if g.DeliveredAt != nil {
		data["deliveredAt"] = *g.DeliveredAt
	}
	return data
}

func grantFromData(txID string, data map[string]interface{}) *gatepass.AccessGrant {
	g := &gatepass.AccessGrant{
		TxID:          txID,
		RecipientID:   getString(data, "recipientId"),
		Link:          getString(data, "link"),
		SingleUse:     getBool(data, "singleUse"),
		Status:        gatepass.GrantStatus(getString(data, "status")),
		Attempts:      getInt(data, "attempts"),
		CreatedAt:     getTime(data, "createdAt"),
		ExpiresAt:     getTime(data, "expiresAt"),
		ReservedAt:    getTime(data, "reservedAt"),
		LedgerApplied: getBool(data, "ledgerApplied"),
		LastError:     getString(data, "lastError"),
	}
	if at, ok := data["deliveredAt"].(time.Time); ok && !at.IsZero() {
		g.DeliveredAt = &at
	}
	return g
}

func subscriptionFromData(recipientID string, data map[string]interface{}) *gatepass.SubscriptionRecord {
	rec := &gatepass.SubscriptionRecord{
		RecipientID:  recipientID,
		Tier:         gatepass.Tier(getString(data, "tier")),
		AppliedTxIDs: getStrings(data, "appliedTxIds"),
		UpdatedAt:    getTime(data, "updatedAt"),
	}
	if expiresAt, ok := data["tierExpiresAt"].(time.Time); ok && !expiresAt.IsZero() {
		rec.TierExpiresAt = &expiresAt
	}
	return rec
}

func recipientFromData(id string, data map[string]interface{}) *gatepass.Recipient {
	return &gatepass.Recipient{
		ID:           id,
		Username:     getString(data, "username"),
		DisplayName:  getString(data, "displayName"),
		RegisteredAt: getTime(data, "registeredAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getStrings(data map[string]interface{}, key string) []string {
	values, _ := data[key].([]interface{})
	out := make([]string, 0, len(values))
	for _, v := range values {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func appliedTxIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
