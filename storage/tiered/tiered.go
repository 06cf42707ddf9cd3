// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// cache (Hot) in front of durable persistent storage (Cold). Subscription and
// recipient lookups, which run on every gated request, are served from Hot;
// grants and content always go to Cold.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) for read-heavy lookups
	Hot gatepass.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold gatepass.Storage

	// AsyncMirror refreshes Hot in a background worker after Cold writes.
	// If false, the refresh runs before the write returns.
	AsyncMirror bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot refresh fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// Strategies per operation type:
// - Read-Through: subscriptions, recipients (Hot → Cold → populate Hot)
// - Write-Through: subscription updates, recipient saves (Cold → refresh Hot)
// - Cold-Only: grants, recipient listing, content
type Storage struct {
	hot  gatepass.Storage
	cold gatepass.Storage
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ gatepass.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncMirror {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncMirror {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially to keep refreshes in write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportError(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

// mirror refreshes Hot after a Cold write, inline or through the worker
func (s *Storage) mirror(ctx context.Context, job func(ctx context.Context) error) {
	if !s.conf.AsyncMirror {
		if err := job(ctx); err != nil {
			s.reportError(fmt.Errorf("tiered storage: hot refresh failed: %w", err))
		}
		return
	}

	// Attempt to enqueue non-blocking
	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if request cancels
		return job(context.Background())
	}:
	default:
		s.reportError(errors.New("tiered storage: sync queue full, dropping hot refresh"))
	}
}

func (s *Storage) reportError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// refreshSubscription copies the Cold record into Hot. Cold is read inside Hot's
// atomic section, so the last refresh to run always leaves the newest record.
func (s *Storage) refreshSubscription(ctx context.Context, recipientID string) error {
	_, err := s.hot.UpdateSubscription(ctx, recipientID,
		func(*gatepass.SubscriptionRecord) (*gatepass.SubscriptionRecord, error) {
			rec, err := s.cold.GetSubscription(ctx, recipientID)
			if errors.Is(err, gatepass.ErrSubscriptionNotFound) {
				return nil, nil
			}
			return rec, err
		})
	return err
}

// refreshRecipient copies the Cold recipient into Hot
func (s *Storage) refreshRecipient(ctx context.Context, recipientID string) error {
	r, err := s.cold.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	return s.hot.SaveRecipient(ctx, r)
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscription implements gatepass.Storage with read-through strategy.
func (s *Storage) GetSubscription(ctx context.Context, recipientID string) (*gatepass.SubscriptionRecord, error) {
	// 1. Try Hot
	rec, err := s.hot.GetSubscription(ctx, recipientID)
	if err == nil {
		return rec, nil
	}

	// 2. Try Cold (Source of Truth)
	rec, err = s.cold.GetSubscription(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	// We ignore errors here as it's just a cache fill
	_ = s.refreshSubscription(ctx, recipientID) //nolint:errcheck // Cache fill - errors are non-critical

	return rec, nil
}

// GetRecipient implements gatepass.Storage with read-through strategy.
func (s *Storage) GetRecipient(ctx context.Context, recipientID string) (*gatepass.Recipient, error) {
	r, err := s.hot.GetRecipient(ctx, recipientID)
	if err == nil {
		return r, nil
	}

	r, err = s.cold.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	_ = s.hot.SaveRecipient(ctx, r) //nolint:errcheck // Cache fill - errors are non-critical
	return r, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Data must be durable first.

// UpdateSubscription implements gatepass.Storage with write-through strategy.
func (s *Storage) UpdateSubscription(ctx context.Context, recipientID string,
	fn gatepass.SubscriptionUpdate) (*gatepass.SubscriptionRecord, error) {
	// 1. Write Cold (Durability)
	rec, err := s.cold.UpdateSubscription(ctx, recipientID, fn)
	if err != nil {
		return nil, err
	}
	// 2. Refresh Hot (Availability)
	s.mirror(ctx, func(ctx context.Context) error {
		return s.refreshSubscription(ctx, recipientID)
	})
	return rec, nil
}

// SaveRecipient implements gatepass.Storage with write-through strategy.
func (s *Storage) SaveRecipient(ctx context.Context, r *gatepass.Recipient) error {
	if err := s.cold.SaveRecipient(ctx, r); err != nil {
		return err
	}
	// Hot takes RegisteredAt from Cold so both keep the first registration
	s.mirror(ctx, func(ctx context.Context) error {
		return s.refreshRecipient(ctx, r.ID)
	})
	return nil
}

// --- Strategy: Cold-Only ---
// Idempotency records and append-only data stay in the source of truth.

// ReserveGrant implements gatepass.Storage with cold-only strategy.
func (s *Storage) ReserveGrant(ctx context.Context, req *gatepass.ReserveRequest) (*gatepass.AccessGrant, bool, error) {
	return s.cold.ReserveGrant(ctx, req)
}

// CompleteGrant implements gatepass.Storage with cold-only strategy.
func (s *Storage) CompleteGrant(ctx context.Context, grant *gatepass.AccessGrant) error {
	return s.cold.CompleteGrant(ctx, grant)
}

// FailGrant implements gatepass.Storage with cold-only strategy.
func (s *Storage) FailGrant(ctx context.Context, txID string, attempt int, status gatepass.GrantStatus, reason string) error {
	return s.cold.FailGrant(ctx, txID, attempt, status, reason)
}

// MarkDelivered implements gatepass.Storage with cold-only strategy.
func (s *Storage) MarkDelivered(ctx context.Context, txID string, at time.Time) error {
	return s.cold.MarkDelivered(ctx, txID, at)
}

// MarkLedgerApplied implements gatepass.Storage with cold-only strategy.
func (s *Storage) MarkLedgerApplied(ctx context.Context, txID string) error {
	return s.cold.MarkLedgerApplied(ctx, txID)
}

// GetGrant implements gatepass.Storage with cold-only strategy.
func (s *Storage) GetGrant(ctx context.Context, txID string) (*gatepass.AccessGrant, error) {
	return s.cold.GetGrant(ctx, txID)
}

// ListRecipients implements gatepass.Storage with cold-only strategy.
// Hot may hold only the recipients read recently.
func (s *Storage) ListRecipients(ctx context.Context) ([]*gatepass.Recipient, error) {
	return s.cold.ListRecipients(ctx)
}

// AddContent implements gatepass.Storage with cold-only strategy.
func (s *Storage) AddContent(ctx context.Context, item *gatepass.ContentItem) error {
	return s.cold.AddContent(ctx, item)
}

// ListContent implements gatepass.Storage with cold-only strategy.
func (s *Storage) ListContent(ctx context.Context, tier gatepass.Tier, limit int) ([]*gatepass.ContentItem, error) {
	return s.cold.ListContent(ctx, tier, limit)
}
