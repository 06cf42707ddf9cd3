// Package redis provides a Redis implementation of the gatepass.Storage interface.
// Read-modify-write operations run under WATCH/MULTI; single-field grant updates
// use Lua scripts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Storage implements gatepass.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gatepass:")
	KeyPrefix string

	// MaxRetries bounds optimistic-transaction retries under contention (default: 32)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "gatepass:",
		MaxRetries: 32,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	d := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = d.KeyPrefix
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = d.MaxRetries
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}

	// Load Lua scripts
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic field updates
func (s *Storage) loadScripts() {
	// Mark a stored grant delivered or ledger-applied
	s.scripts["markGrant"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 0
		end
		local grant = cjson.decode(raw)
		if ARGV[1] == 'delivered' then
			grant['DeliveredAt'] = ARGV[2]
		else
			grant['LedgerApplied'] = true
		end
		redis.call('SET', KEYS[1], cjson.encode(grant))
		return 1
	`)
}

// watch runs fn as an optimistic transaction on key, retrying on conflicts
func (s *Storage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: too much contention on %s", gatepass.ErrStorageUnavailable, key)
}

// ReserveGrant implements gatepass.Storage
func (s *Storage) ReserveGrant(ctx context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	if req == nil || req.TxID == "" {
		return nil, false, fmt.Errorf("invalid reserve request")
	}

	key := s.grantKey(req.TxID)
	var (
		grant    *gatepass.AccessGrant
		reserved bool
	)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, err := getJSON[gatepass.AccessGrant](ctx, tx, key)
		if err != nil {
			return err
		}

		var nextErr error
		grant, reserved, nextErr = gatepass.NextReservation(existing, req)
		if nextErr != nil || !reserved {
			return nextErr
		}

		data, err := json.Marshal(grant)
		if err != nil {
			return fmt.Errorf("failed to marshal grant: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
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
func (s *Storage) FailGrant(ctx context.Context, txID string, attempt int, status gatepass.GrantStatus, reason string) error {
	err := s.replaceReserved(ctx, txID, attempt, func(stored *gatepass.AccessGrant) *gatepass.AccessGrant {
		return gatepass.ApplyFailure(stored, status, reason)
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("failed to fail grant: %w", err)
	}
	return err
}

// replaceReserved swaps the stored grant for next(stored) while it is still
// reservation number attempt.
func (s *Storage) replaceReserved(ctx context.Context, txID string, attempt int, next func(*gatepass.AccessGrant) *gatepass.AccessGrant) error {
	key := s.grantKey(txID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		stored, err := getJSON[gatepass.AccessGrant](ctx, tx, key)
		if err != nil {
			return err
		}
		if err := gatepass.CheckReservation(stored, attempt); err != nil {
			return err
		}

		data, err := json.Marshal(next(stored))
		if err != nil {
			return fmt.Errorf("failed to marshal grant: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	})
}

func isGrantConflict(err error) bool {
	return errors.Is(err, gatepass.ErrGrantNotFound) || errors.Is(err, gatepass.ErrReservationLost)
}

// MarkDelivered implements gatepass.Storage
func (s *Storage) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	return s.markGrant(ctx, txID, "delivered", at.Format(time.RFC3339Nano))
}

// MarkLedgerApplied implements gatepass.Storage
func (s *Storage) MarkLedgerApplied(ctx context.Context, txID string) error {
	return s.markGrant(ctx, txID, "ledger", "")
}

func (s *Storage) markGrant(ctx context.Context, txID, field, value string) error {
	n, err := s.scripts["markGrant"].Run(ctx, s.client, []string{s.grantKey(txID)}, field, value).Int()
	if err != nil {
		return fmt.Errorf("failed to mark grant: %w", err)
	}
	if n == 0 {
		return gatepass.ErrGrantNotFound
	}
	return nil
}

// GetGrant implements gatepass.Storage
func (s *Storage) GetGrant(ctx context.Context, txID string) (*gatepass.AccessGrant, error) {
	grant, err := getJSON[gatepass.AccessGrant](ctx, s.client, s.grantKey(txID))
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	if grant == nil {
		return nil, gatepass.ErrGrantNotFound
	}
	return grant, nil
}

// GetSubscription implements gatepass.Storage
func (s *Storage) GetSubscription(ctx context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	rec, err := getJSON[gatepass.SubscriptionRecord](ctx, s.client, s.subscriptionKey(recipientID))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if rec == nil {
		return nil, gatepass.ErrSubscriptionNotFound
	}
	return rec, nil
}

// UpdateSubscription implements gatepass.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	key := s.subscriptionKey(recipientID)

	var result *gatepass.SubscriptionRecord
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := getJSON[gatepass.SubscriptionRecord](ctx, tx, key)
		if err != nil {
			return err
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

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		result = next
		return err
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

	key := s.recipientKey(r.ID)
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		existing, err := getJSON[gatepass.Recipient](ctx, tx, key)
		if err != nil {
			return err
		}

		next := *r
		if existing != nil && !existing.RegisteredAt.IsZero() {
			next.RegisteredAt = existing.RegisteredAt
		}
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("failed to marshal recipient: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.recipientsKey(), r.ID)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save recipient: %w", err)
	}
	return nil
}

// GetRecipient implements gatepass.Storage
func (s *Storage) GetRecipient(ctx context.Context, recipientID string) (*gatepass.Recipient, error) {
	r, err := getJSON[gatepass.Recipient](ctx, s.client, s.recipientKey(recipientID))
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	if r == nil {
		return nil, gatepass.ErrRecipientNotFound
	}
	return r, nil
}

// ListRecipients implements gatepass.Storage
func (s *Storage) ListRecipients(ctx context.Context) ([]*gatepass.Recipient, error) {
	ids, err := s.client.SMembers(ctx, s.recipientsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recipientKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	out := make([]*gatepass.Recipient, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r gatepass.Recipient
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recipient: %w", err)
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddContent implements gatepass.Storage
func (s *Storage) AddContent(ctx context.Context, item *gatepass.ContentItem) error {
	if item == nil || item.ID == "" || !item.Tier.Valid() {
		return fmt.Errorf("invalid content item")
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal content: %w", err)
	}
	err = s.client.ZAdd(ctx, s.contentKey(item.Tier), redis.Z{
		Score:  float64(item.CreatedAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add content: %w", err)
	}
	return nil
}

// ListContent implements gatepass.Storage
func (s *Storage) ListContent(ctx context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	members, err := s.client.ZRevRange(ctx, s.contentKey(tier), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}

	out := make([]*gatepass.ContentItem, 0, len(members))
	for _, m := range members {
		var item gatepass.ContentItem
		if err := json.Unmarshal([]byte(m), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal content: %w", err)
		}
		out = append(out, &item)
	}
	return out, nil
}

// getJSON loads and decodes a JSON value; a missing key yields nil
func getJSON[T any](ctx context.Context, c redis.Cmdable, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

func (s *Storage) grantKey(txID string) string {
	return s.config.KeyPrefix + "grant:" + txID
}

func (s *Storage) subscriptionKey(recipientID string) string {
	return s.config.KeyPrefix + "subscription:" + recipientID
}

func (s *Storage) recipientKey(recipientID string) string {
	return s.config.KeyPrefix + "recipient:" + recipientID
}

func (s *Storage) recipientsKey() string {
	return s.config.KeyPrefix + "recipients"
}

func (s *Storage) contentKey(tier gatepass.Tier) string {
	return s.config.KeyPrefix + "content:" + string(tier)
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
