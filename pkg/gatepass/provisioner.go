package gatepass

import (
	"context"
	"errors"
	"fmt"
)

// InviteCreator creates single-use invite links on the messaging platform
type InviteCreator interface {
	CreateInviteLink(ctx context.Context, req *InviteRequest) (string, error)
}

// Provisioner issues at most one access grant per transaction.
//
// A grant is reserved in storage before the invite link is created, the link
// is created without holding any lock, and the outcome is committed after.
// Concurrent or repeated deliveries of the same transaction observe the
// reservation and never create a second link.
type Provisioner struct {
	store   GrantStore
	invites InviteCreator
	ledger  Ledger
	config  Config
}

// NewProvisioner creates a provisioner. ledger may be nil for one-shot deployments.
func NewProvisioner(store GrantStore, invites InviteCreator, ledger Ledger, config Config) (*Provisioner, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if invites == nil {
		return nil, fmt.Errorf("%w: invite creator is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		ledger = NoopLedger{}
	}

	return &Provisioner{
		store:   store,
		invites: invites,
		ledger:  ledger,
		config:  config.withDefaults(),
	}, nil
}

// Provision returns the grant for tx, creating the invite link if no grant was
// provisioned yet. A provisioned grant is returned as is on every later call.
func (p *Provisioner) Provision(ctx context.Context, tx *Transaction, recipient RecipientIdentity) (*AccessGrant, error) {
	now := p.config.Now()

	grant, reserved, err := p.store.ReserveGrant(ctx, &ReserveRequest{
		TxID:        tx.ID,
		RecipientID: recipient.ID,
		Now:         now,
		StaleAfter:  p.config.ReservationStaleAfter,
	})
	if err != nil {
		if errors.Is(err, ErrGrantInProgress) {
			p.config.Metrics.RecordProvision("in_progress")
			return nil, err
		}
		return nil, fmt.Errorf("reserve grant %s: %w", tx.ID, err)
	}

	if !reserved {
		return p.existing(ctx, grant)
	}

	expireAt := now.Add(p.config.InviteTTL)
	link, err := Retry(ctx, p.config.Retry, func() (string, error) {
		link, err := p.invites.CreateInviteLink(ctx, &InviteRequest{
			ChatID:      p.config.ChannelID,
			Name:        inviteName(tx.ID),
			MemberLimit: 1,
			ExpireAt:    expireAt,
		})
		if err != nil && !isTransient(err) {
			return "", Permanent(err)
		}
		return link, err
	})
	if err != nil {
		return p.fail(ctx, grant, err)
	}

	grant.Link = link
	grant.SingleUse = true
	grant.Status = GrantStatusProvisioned
	grant.CreatedAt = now
	grant.ExpiresAt = expireAt
	grant.LastError = ""

	if err := p.store.CompleteGrant(ctx, grant); err != nil {
		if errors.Is(err, ErrReservationLost) {
			p.config.Logger.Warn("reservation taken over before completion, discarding invite link",
				F("tx_id", tx.ID),
				F("attempt", grant.Attempts),
			)
			return p.takenOver(ctx, tx.ID)
		}
		// the reservation goes stale and a later delivery issues a fresh link
		p.config.Logger.Error("failed to record provisioned grant",
			F("tx_id", tx.ID),
			F("error", err.Error()),
		)
		return nil, fmt.Errorf("complete grant %s: %w", tx.ID, err)
	}

	p.config.Metrics.RecordProvision("provisioned")
	p.config.Logger.Info("grant provisioned",
		F("tx_id", tx.ID),
		F("recipient_id", recipient.ID),
		F("attempt", grant.Attempts),
		F("expires_at", grant.ExpiresAt),
	)

	p.applyLedger(ctx, grant)
	return grant, nil
}

// existing handles a grant this caller did not reserve
func (p *Provisioner) existing(ctx context.Context, grant *AccessGrant) (*AccessGrant, error) {
	if grant.Status == GrantStatusNeedsManual {
		p.config.Metrics.RecordProvision("needs_manual")
		return grant, fmt.Errorf("%w: transaction %s: %s", ErrNeedsManualIntervention, grant.TxID, grant.LastError)
	}

	p.config.Metrics.RecordProvision("duplicate")
	p.config.Logger.Debug("grant already provisioned",
		F("tx_id", grant.TxID),
		F("recipient_id", grant.RecipientID),
	)
	if !grant.LedgerApplied {
		p.applyLedger(ctx, grant)
	}
	return grant, nil
}

// takenOver resolves a commit rejected because a newer reservation exists.
// Whatever the newer worker stored wins.
func (p *Provisioner) takenOver(ctx context.Context, txID string) (*AccessGrant, error) {
	current, err := p.store.GetGrant(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrGrantInProgress, txID, err)
	}
	switch current.Status {
	case GrantStatusProvisioned, GrantStatusNeedsManual:
		return p.existing(ctx, current)
	}
	p.config.Metrics.RecordProvision("in_progress")
	return nil, fmt.Errorf("%w: transaction %s", ErrGrantInProgress, txID)
}

// fail releases the reservation after invite creation failed
func (p *Provisioner) fail(ctx context.Context, grant *AccessGrant, cause error) (*AccessGrant, error) {
	status := GrantStatusFailed
	sentinel := ErrProvisioningFailure
	if grant.Attempts >= p.config.MaxProvisionAttempts {
		status = GrantStatusNeedsManual
		sentinel = ErrNeedsManualIntervention
	}

	// release even when the caller gave up
	err := p.store.FailGrant(context.WithoutCancel(ctx), grant.TxID, grant.Attempts, status, cause.Error())
	if errors.Is(err, ErrReservationLost) {
		p.config.Logger.Warn("reservation taken over before failure was recorded",
			F("tx_id", grant.TxID),
			F("attempt", grant.Attempts),
			F("error", cause.Error()),
		)
		return p.takenOver(ctx, grant.TxID)
	}
	if err != nil {
		p.config.Logger.Error("failed to release grant reservation",
			F("tx_id", grant.TxID),
			F("error", err.Error()),
		)
	}

	p.config.Metrics.RecordProvision(string(status))
	p.config.Logger.Warn("invite creation failed",
		F("tx_id", grant.TxID),
		F("attempt", grant.Attempts),
		F("status", string(status)),
		F("error", cause.Error()),
	)
	return nil, fmt.Errorf("%w: transaction %s: %v", sentinel, grant.TxID, cause)
}

// applyLedger extends the subscription for a provisioned grant. Failures are
// left for the next delivery of the same transaction.
func (p *Provisioner) applyLedger(ctx context.Context, grant *AccessGrant) {
	if _, err := p.ledger.Extend(ctx, grant.RecipientID, grant.TxID, p.config.Now()); err != nil {
		p.config.Logger.Error("failed to extend subscription",
			F("tx_id", grant.TxID),
			F("recipient_id", grant.RecipientID),
			F("error", err.Error()),
		)
		return
	}
	if err := p.store.MarkLedgerApplied(ctx, grant.TxID); err != nil {
		p.config.Logger.Warn("failed to mark ledger applied",
			F("tx_id", grant.TxID),
			F("error", err.Error()),
		)
		return
	}
	grant.LedgerApplied = true
}

func inviteName(txID string) string {
	name := "tx " + txID
	// the platform caps invite names at 32 characters
	if len(name) > 32 {
		name = name[:32]
	}
	return name
}
