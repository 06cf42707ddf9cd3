// Package postgres provides a PostgreSQL implementation of the gatepass.Storage interface.
// Read-modify-write operations run in SQL transactions serialized per key with
// transaction-scoped advisory locks and SELECT FOR UPDATE.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

//go:embed schema.sql
var schema string

// Storage implements gatepass.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate creates missing tables on startup
	AutoMigrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const grantColumns = `tx_id, recipient_id, link, single_use, status, attempts,
	created_at, expires_at, reserved_at, delivered_at, ledger_applied, last_error`

// inTx runs fn in a transaction holding the advisory lock for key
func (s *Storage) inTx(ctx context.Context, key string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Serializes first-contact inserts that FOR UPDATE alone cannot cover
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ReserveGrant implements gatepass.Storage
func (s *Storage) ReserveGrant(ctx context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	if req == nil || req.TxID == "" {
		return nil, false, fmt.Errorf("invalid reserve request")
	}

	var (
		grant    *gatepass.AccessGrant
		reserved bool
	)
	err := s.inTx(ctx, "grant:"+req.TxID, func(tx pgx.Tx) error {
		existing, err := scanGrant(tx.QueryRow(ctx,
			`SELECT `+grantColumns+` FROM access_grants WHERE tx_id = $1 FOR UPDATE`, req.TxID))
		if err != nil && !errors.Is(err, gatepass.ErrGrantNotFound) {
			return err
		}

		var nextErr error
		grant, reserved, nextErr = gatepass.NextReservation(existing, req)
		if nextErr != nil || !reserved {
			return nextErr
		}
		return upsertGrant(ctx, tx, grant)
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

	err := s.replaceReserved(ctx, grant.TxID, grant.Attempts, func(tx pgx.Tx, _ *gatepass.AccessGrant) error {
		return upsertGrant(ctx, tx, grant)
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("failed to complete grant: %w", err)
	}
	return err
}

// FailGrant implements gatepass.Storage
func (s *Storage) FailGrant(ctx context.Context, txID string, attempt int, status gatepass.GrantStatus, reason string) error {
	err := s.replaceReserved(ctx, txID, attempt, func(tx pgx.Tx, _ *gatepass.AccessGrant) error {
		_, err := tx.Exec(ctx,
			`UPDATE access_grants SET status = $2, last_error = $3 WHERE tx_id = $1`,
			txID, string(status), reason)
		return err
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("failed to fail grant: %w", err)
	}
	return err
}

// replaceReserved runs write while the stored grant is still reservation
// number attempt, holding its row lock.
func (s *Storage) replaceReserved(ctx context.Context, txID string, attempt int,
	write func(tx pgx.Tx, stored *gatepass.AccessGrant) error) error {
	return s.inTx(ctx, "grant:"+txID, func(tx pgx.Tx) error {
		stored, err := scanGrant(tx.QueryRow(ctx,
			`SELECT `+grantColumns+` FROM access_grants WHERE tx_id = $1 FOR UPDATE`, txID))
		if err != nil && !errors.Is(err, gatepass.ErrGrantNotFound) {
			return err
		}
		if err := gatepass.CheckReservation(stored, attempt); err != nil {
			return err
		}
		return write(tx, stored)
	})
}

func isGrantConflict(err error) bool {
	return errors.Is(err, gatepass.ErrGrantNotFound) || errors.Is(err, gatepass.ErrReservationLost)
}

// MarkDelivered implements gatepass.Storage
func (s *Storage) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_grants SET delivered_at = $2 WHERE tx_id = $1`, txID, at)
	if err != nil {
		return fmt.Errorf("failed to mark grant delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatepass.ErrGrantNotFound
	}
	return nil
}

// MarkLedgerApplied implements gatepass.Storage
func (s *Storage) MarkLedgerApplied(ctx context.Context, txID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE access_grants SET ledger_applied = TRUE WHERE tx_id = $1`, txID)
	if err != nil {
		return fmt.Errorf("failed to mark ledger applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gatepass.ErrGrantNotFound
	}
	return nil
}

// GetGrant implements gatepass.Storage
func (s *Storage) GetGrant(ctx context.Context, txID string) (*gatepass.AccessGrant, error) {
	grant, err := scanGrant(s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM access_grants WHERE tx_id = $1`, txID))
	if err != nil && !errors.Is(err, gatepass.ErrGrantNotFound) {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	return grant, err
}

// GetSubscription implements gatepass.Storage
func (s *Storage) GetSubscription(ctx context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	rec, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT recipient_id, tier, tier_expires_at, applied_tx_ids, updated_at
			FROM subscriptions WHERE recipient_id = $1`, recipientID))
	if err != nil && !errors.Is(err, gatepass.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec, err
}

// UpdateSubscription implements gatepass.Storage
func (s *Storage) UpdateSubscription(ctx context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	var result *gatepass.SubscriptionRecord
	err := s.inTx(ctx, "subscription:"+recipientID, func(tx pgx.Tx) error {
		current, err := scanSubscription(tx.QueryRow(ctx,
			`SELECT recipient_id, tier, tier_expires_at, applied_tx_ids, updated_at
				FROM subscriptions WHERE recipient_id = $1 FOR UPDATE`, recipientID))
		if err != nil && !errors.Is(err, gatepass.ErrSubscriptionNotFound) {
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

		_, err = tx.Exec(ctx,
			`INSERT INTO subscriptions (recipient_id, tier, tier_expires_at, applied_tx_ids, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (recipient_id) DO UPDATE SET
					tier = EXCLUDED.tier,
					tier_expires_at = EXCLUDED.tier_expires_at,
					applied_tx_ids = EXCLUDED.applied_tx_ids,
					updated_at = EXCLUDED.updated_at`,
			next.RecipientID, string(next.Tier), next.TierExpiresAt, appliedTxIDs(next), next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to write subscription: %w", err)
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

	registeredAt := r.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	// registered_at is only written on first insert
	_, err := s.pool.Exec(ctx,
		`INSERT INTO recipients (id, username, display_name, registered_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				username = EXCLUDED.username,
				display_name = EXCLUDED.display_name`,
		r.ID, r.Username, r.DisplayName, registeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recipient: %w", err)
	}
	return nil
}

// GetRecipient implements gatepass.Storage
func (s *Storage) GetRecipient(ctx context.Context, recipientID string) (*gatepass.Recipient, error) {
	var r gatepass.Recipient
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, display_name, registered_at FROM recipients WHERE id = $1`,
		recipientID).Scan(&r.ID, &r.Username, &r.DisplayName, &r.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gatepass.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient: %w", err)
	}
	return &r, nil
}

// ListRecipients implements gatepass.Storage
func (s *Storage) ListRecipients(ctx context.Context) ([]*gatepass.Recipient, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, username, display_name, registered_at FROM recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var out []*gatepass.Recipient
	for rows.Next() {
		var r gatepass.Recipient
		if err := rows.Scan(&r.ID, &r.Username, &r.DisplayName, &r.RegisteredAt); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AddContent implements gatepass.Storage
func (s *Storage) AddContent(ctx context.Context, item *gatepass.ContentItem) error {
	if item == nil || item.ID == "" || !item.Tier.Valid() {
		return fmt.Errorf("invalid content item")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO content_items (id, tier, body, created_at) VALUES ($1, $2, $3, $4)`,
		item.ID, string(item.Tier), item.Body, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add content: %w", err)
	}
	return nil
}

// ListContent implements gatepass.Storage
func (s *Storage) ListContent(ctx context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	// LIMIT NULL returns every row
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tier, body, created_at FROM content_items
			WHERE tier = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		string(tier), lim)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	var out []*gatepass.ContentItem
	for rows.Next() {
		var (
			item     gatepass.ContentItem
			itemTier string
		)
		if err := rows.Scan(&item.ID, &itemTier, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan content: %w", err)
		}
		item.Tier = gatepass.Tier(itemTier)
		out = append(out, &item)
	}
	return out, rows.Err()
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func upsertGrant(ctx context.Context, db execer, g *gatepass.AccessGrant) error {
	_, err := db.Exec(ctx,
		`INSERT INTO access_grants (`+grantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (tx_id) DO UPDATE SET
				recipient_id = EXCLUDED.recipient_id,
				link = EXCLUDED.link,
				single_use = EXCLUDED.single_use,
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at,
				reserved_at = EXCLUDED.reserved_at,
				delivered_at = EXCLUDED.delivered_at,
				ledger_applied = EXCLUDED.ledger_applied,
				last_error = EXCLUDED.last_error`,
		g.TxID, g.RecipientID, g.Link, g.SingleUse, string(g.Status), g.Attempts,
		g.CreatedAt, g.ExpiresAt, g.ReservedAt, g.DeliveredAt, g.LedgerApplied, g.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to write grant: %w", err)
	}
	return nil
}

func scanGrant(row pgx.Row) (*gatepass.AccessGrant, error) {
	var (
		g      gatepass.AccessGrant
		status string
	)
	err := row.Scan(
		&g.TxID,
		&g.RecipientID,
		&g.Link,
		&g.SingleUse,
		&status,
		&g.Attempts,
		&g.CreatedAt,
		&g.ExpiresAt,
		&g.ReservedAt,
		&g.DeliveredAt,
		&g.LedgerApplied,
		&g.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gatepass.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan grant: %w", err)
	}
	g.Status = gatepass.GrantStatus(status)
	return &g, nil
}

func scanSubscription(row pgx.Row) (*gatepass.SubscriptionRecord, error) {
	var (
		rec  gatepass.SubscriptionRecord
		tier string
	)
	err := row.Scan(&rec.RecipientID, &tier, &rec.TierExpiresAt, &rec.AppliedTxIDs, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gatepass.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	rec.Tier = gatepass.Tier(tier)
	return &rec, nil
}

// appliedTxIDs never returns nil; a nil slice would encode as NULL
func appliedTxIDs(rec *gatepass.SubscriptionRecord) []string {
	if rec.AppliedTxIDs == nil {
		return []string{}
	}
	return rec.AppliedTxIDs
}
