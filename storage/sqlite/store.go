// Package sqlite provides an embedded SQLite implementation of the gatepass.Storage interface
// for single-node deployments. Transactions start with BEGIN IMMEDIATE so read-modify-write
// operations hold the write lock from their first read.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Store provides SQLite-backed gatepass persistence.
type Store struct {
	sqlDB *sql.DB
}

var _ gatepass.Storage = (*Store)(nil)

// Open opens a SQLite store at path and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath +
		"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite has a single writer
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := applyMigrations(context.Background(), sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// inTx runs fn in an immediate transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const selectGrant = `
SELECT
	tx_id,
	recipient_id,
	link,
	single_use,
	status,
	attempts,
	created_at,
	expires_at,
	reserved_at,
	delivered_at,
	ledger_applied,
	last_error
FROM access_grants
WHERE tx_id = ?
`

// ReserveGrant implements gatepass.Storage.
func (s *Store) ReserveGrant(ctx context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	if req == nil || req.TxID == "" {
		return nil, false, fmt.Errorf("invalid reserve request")
	}

	var (
		grant    *gatepass.AccessGrant
		reserved bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanGrant(tx.QueryRowContext(ctx, selectGrant, req.TxID))
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
		return nil, false, fmt.Errorf("reserve grant: %w", err)
	}
	return grant, reserved, nil
}

// CompleteGrant implements gatepass.Storage.
func (s *Store) CompleteGrant(ctx context.Context, grant *gatepass.AccessGrant) error {
	if grant == nil || grant.TxID == "" {
		return fmt.Errorf("invalid grant")
	}
	err := s.replaceReserved(ctx, grant.TxID, grant.Attempts, func(tx *sql.Tx) error {
		return upsertGrant(ctx, tx, grant)
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("complete grant: %w", err)
	}
	return err
}

// FailGrant implements gatepass.Storage.
func (s *Store) FailGrant(ctx context.Context, txID string, attempt int, status gatepass.GrantStatus, reason string) error {
	err := s.replaceReserved(ctx, txID, attempt, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE access_grants SET status = ?, last_error = ? WHERE tx_id = ?`,
			string(status), reason, txID)
		return err
	})
	if err != nil && !isGrantConflict(err) {
		return fmt.Errorf("fail grant: %w", err)
	}
	return err
}

// replaceReserved runs write only while the stored grant is still
// reservation number attempt.
func (s *Store) replaceReserved(ctx context.Context, txID string, attempt int, write func(tx *sql.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stored, err := scanGrant(tx.QueryRowContext(ctx, selectGrant, txID))
		if err != nil && !errors.Is(err, gatepass.ErrGrantNotFound) {
			return err
		}
		if err := gatepass.CheckReservation(stored, attempt); err != nil {
			return err
		}
		return write(tx)
	})
}

func isGrantConflict(err error) bool {
	return errors.Is(err, gatepass.ErrGrantNotFound) || errors.Is(err, gatepass.ErrReservationLost)
}

// MarkDelivered implements gatepass.Storage.
func (s *Store) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	return s.updateGrant(ctx, "mark delivered",
		`UPDATE access_grants SET delivered_at = ? WHERE tx_id = ?`,
		toNanos(at), txID)
}

// MarkLedgerApplied implements gatepass.Storage.
func (s *Store) MarkLedgerApplied(ctx context.Context, txID string) error {
	return s.updateGrant(ctx, "mark ledger applied",
		`UPDATE access_grants SET ledger_applied = 1 WHERE tx_id = ?`, txID)
}

func (s *Store) updateGrant(ctx context.Context, op, query string, args ...any) error {
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return gatepass.ErrGrantNotFound
	}
	return nil
}

// GetGrant implements gatepass.Storage.
func (s *Store) GetGrant(ctx context.Context, txID string) (*gatepass.AccessGrant, error) {
	grant, err := scanGrant(s.sqlDB.QueryRowContext(ctx, selectGrant, txID))
	if err != nil && !errors.Is(err, gatepass.ErrGrantNotFound) {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return grant, err
}

// GetSubscription implements gatepass.Storage.
func (s *Store) GetSubscription(ctx context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	rec, err := getSubscription(ctx, s.sqlDB, recipientID)
	if err != nil && !errors.Is(err, gatepass.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return rec, err
}

// UpdateSubscription implements gatepass.Storage.
func (s *Store) UpdateSubscription(ctx context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	var result *gatepass.SubscriptionRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getSubscription(ctx, tx, recipientID)
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

		var expiresAt sql.NullInt64
		if next.TierExpiresAt != nil {
			expiresAt = toNanos(*next.TierExpiresAt)
		}
		applied, err := encodeTxIDs(next.AppliedTxIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO subscriptions (recipient_id, tier, tier_expires_at, applied_tx_ids, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(recipient_id) DO UPDATE SET
	tier = excluded.tier,
	tier_expires_at = excluded.tier_expires_at,
	applied_tx_ids = excluded.applied_tx_ids,
	updated_at = excluded.updated_at
`,
			recipientID, string(next.Tier), expiresAt, applied, toNanos(next.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("write subscription: %w", err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveRecipient implements gatepass.Storage.
func (s *Store) SaveRecipient(ctx context.Context, r *gatepass.Recipient) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("invalid recipient")
	}

	// registered_at is only written on first insert
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO recipients (id, username, display_name, registered_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	username = excluded.username,
	display_name = excluded.display_name
`,
		r.ID, r.Username, r.DisplayName, toNanos(r.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("save recipient: %w", err)
	}
	return nil
}

// GetRecipient implements gatepass.Storage.
func (s *Store) GetRecipient(ctx context.Context, recipientID string) (*gatepass.Recipient, error) {
	var (
		r            gatepass.Recipient
		registeredAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, username, display_name, registered_at FROM recipients WHERE id = ?`,
		recipientID).Scan(&r.ID, &r.Username, &r.DisplayName, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatepass.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	r.RegisteredAt = fromNanos(registeredAt)
	return &r, nil
}

// ListRecipients implements gatepass.Storage.
func (s *Store) ListRecipients(ctx context.Context) ([]*gatepass.Recipient, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, username, display_name, registered_at FROM recipients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []*gatepass.Recipient
	for rows.Next() {
		var (
			r            gatepass.Recipient
			registeredAt sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Username, &r.DisplayName, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.RegisteredAt = fromNanos(registeredAt)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return out, nil
}

// AddContent implements gatepass.Storage.
func (s *Store) AddContent(ctx context.Context, item *gatepass.ContentItem) error {
	if item == nil || item.ID == "" || !item.Tier.Valid() {
		return fmt.Errorf("invalid content item")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO content_items (id, tier, body, created_at) VALUES (?, ?, ?, ?)`,
		item.ID, string(item.Tier), item.Body, item.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("add content: %w", err)
	}
	return nil
}

// ListContent implements gatepass.Storage.
func (s *Store) ListContent(ctx context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	// LIMIT -1 returns every row
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, tier, body, created_at
FROM content_items
WHERE tier = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, string(tier), limit)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()

	var out []*gatepass.ContentItem
	for rows.Next() {
		var (
			item      gatepass.ContentItem
			itemTier  string
			createdAt int64
		)
		if err := rows.Scan(&item.ID, &itemTier, &item.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		item.Tier = gatepass.Tier(itemTier)
		item.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content: %w", err)
	}
	return out, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertGrant(ctx context.Context, db execer, g *gatepass.AccessGrant) error {
	var deliveredAt sql.NullInt64
	if g.DeliveredAt != nil {
		deliveredAt = toNanos(*g.DeliveredAt)
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO access_grants (
	tx_id,
	recipient_id,
	link,
	single_use,
	status,
	attempts,
	created_at,
	expires_at,
	reserved_at,
	delivered_at,
	ledger_applied,
	last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_id) DO UPDATE SET
	recipient_id = excluded.recipient_id,
	link = excluded.link,
	single_use = excluded.single_use,
	status = excluded.status,
	attempts = excluded.attempts,
	created_at = excluded.created_at,
	expires_at = excluded.expires_at,
	reserved_at = excluded.reserved_at,
	delivered_at = excluded.delivered_at,
	ledger_applied = excluded.ledger_applied,
	last_error = excluded.last_error
`,
		g.TxID,
		g.RecipientID,
		g.Link,
		g.SingleUse,
		string(g.Status),
		g.Attempts,
		toNanos(g.CreatedAt),
		toNanos(g.ExpiresAt),
		toNanos(g.ReservedAt),
		deliveredAt,
		g.LedgerApplied,
		g.LastError,
	)
	if err != nil {
		return fmt.Errorf("write grant: %w", err)
	}
	return nil
}

func scanGrant(row *sql.Row) (*gatepass.AccessGrant, error) {
	var (
		g      gatepass.AccessGrant
		status string

		createdAt, expiresAt, reservedAt, delivered sql.NullInt64
	)
	err := row.Scan(
		&g.TxID,
		&g.RecipientID,
		&g.Link,
		&g.SingleUse,
		&status,
		&g.Attempts,
		&createdAt,
		&expiresAt,
		&reservedAt,
		&delivered,
		&g.LedgerApplied,
		&g.LastError,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatepass.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan grant: %w", err)
	}

	g.Status = gatepass.GrantStatus(status)
	g.CreatedAt = fromNanos(createdAt)
	g.ExpiresAt = fromNanos(expiresAt)
	g.ReservedAt = fromNanos(reservedAt)
	if delivered.Valid {
		at := fromNanos(delivered)
		g.DeliveredAt = &at
	}
	return &g, nil
}

func getSubscription(ctx context.Context, db queryer, recipientID string) (*gatepass.SubscriptionRecord, error) {
	var (
		rec                  gatepass.SubscriptionRecord
		tier, applied        string
		expiresAt, updatedAt sql.NullInt64
	)
	err := db.QueryRowContext(ctx,
		`SELECT recipient_id, tier, tier_expires_at, applied_tx_ids, updated_at FROM subscriptions WHERE recipient_id = ?`,
		recipientID).Scan(&rec.RecipientID, &tier, &expiresAt, &applied, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, gatepass.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	if err := json.Unmarshal([]byte(applied), &rec.AppliedTxIDs); err != nil {
		return nil, fmt.Errorf("decode applied transactions: %w", err)
	}
	rec.Tier = gatepass.Tier(tier)
	rec.UpdatedAt = fromNanos(updatedAt)
	if expiresAt.Valid {
		at := fromNanos(expiresAt)
		rec.TierExpiresAt = &at
	}
	return &rec, nil
}

// encodeTxIDs stores the applied transaction list as a JSON array.
func encodeTxIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode applied transactions: %w", err)
	}
	return string(data), nil
}

// toNanos stores zero times as NULL.
func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
