package gatepass

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// PaymentVerifier re-fetches a transaction from the payment provider.
// The webhook body is never trusted for payment facts.
type PaymentVerifier interface {
	VerifyTransaction(ctx context.Context, txID string) (*Transaction, error)
}

// Pipeline runs verify → resolve → provision → deliver for one transaction id
type Pipeline struct {
	verifier    PaymentVerifier
	provisioner *Provisioner
	notifier    *Notifier
	grants      GrantStore
	config      Config

	group singleflight.Group
}

// NewPipeline wires the pipeline components
func NewPipeline(verifier PaymentVerifier, provisioner *Provisioner, notifier *Notifier,
	grants GrantStore, config Config) (*Pipeline, error) {
	if verifier == nil || provisioner == nil || notifier == nil {
		return nil, fmt.Errorf("%w: verifier, provisioner and notifier are required", ErrInvalidConfig)
	}
	if grants == nil {
		return nil, ErrStorageUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Pipeline{
		verifier:    verifier,
		provisioner: provisioner,
		notifier:    notifier,
		grants:      grants,
		config:      config.withDefaults(),
	}, nil
}

// Process confirms the transaction with the provider and makes sure its payer
// holds a delivered grant. Concurrent calls for the same id share one run.
// On error the returned Result may still describe how far processing got.
//
// The shared run is detached from ctx so one caller giving up does not fail
// the others; a caller whose ctx ends stops waiting and gets ctx's error.
func (p *Pipeline) Process(ctx context.Context, txID string) (*Result, error) {
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(txID, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(shared, p.config.ProcessTimeout)
		defer cancel()
		return p.process(runCtx, txID)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(*Result)
		return res, r.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrGrantInProgress, txID, ctx.Err())
	}
}

func (p *Pipeline) process(ctx context.Context, txID string) (*Result, error) {
	tx, err := p.verifier.VerifyTransaction(ctx, txID)
	if err != nil {
		p.config.Metrics.RecordVerification("error")
		return nil, err
	}
	if !tx.Successful() {
		p.config.Metrics.RecordVerification("unsuccessful")
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrPaymentNotSuccessful, txID, tx.Status)
	}
	if tx.ID == "" {
		tx.ID = txID
	}
	if tx.ID != txID {
		p.config.Metrics.RecordVerification("mismatch")
		return nil, fmt.Errorf("%w: provider returned transaction %s for %s", ErrPaymentNotSuccessful, tx.ID, txID)
	}
	if err := p.config.checkPrice(tx); err != nil {
		p.config.Metrics.RecordVerification("price_mismatch")
		return nil, err
	}
	p.config.Metrics.RecordVerification("successful")

	res := &Result{Transaction: tx}

	recipient, err := ResolveIdentity(tx)
	if err != nil {
		p.config.Logger.Warn("transaction without recipient identity",
			F("tx_id", txID),
			F("tx_ref", tx.TxRef),
		)
		return res, err
	}
	res.Recipient = recipient

	grant, err := p.provisioner.Provision(ctx, tx, recipient)
	res.Grant = grant
	if err != nil {
		return res, err
	}

	if grant.Delivered() {
		res.Outcome = OutcomeDuplicate
		return res, p.ledgerPending(grant)
	}

	if err := p.notifier.DeliverGrant(ctx, recipient, grant); err != nil {
		res.Outcome = OutcomeUndelivered
		return res, err
	}
	p.markDelivered(ctx, grant)

	res.Outcome = OutcomeProvisioned
	return res, p.ledgerPending(grant)
}

// Redeliver sends a provisioned grant to its recipient again
func (p *Pipeline) Redeliver(ctx context.Context, txID string) (*AccessGrant, error) {
	grant, err := p.grants.GetGrant(ctx, txID)
	if err != nil {
		return nil, err
	}
	if grant.Status != GrantStatusProvisioned {
		return grant, fmt.Errorf("%w: grant %s is %s", ErrGrantNotFound, txID, grant.Status)
	}

	if err := p.notifier.DeliverGrant(ctx, RecipientIdentity{ID: grant.RecipientID}, grant); err != nil {
		return grant, err
	}
	p.markDelivered(ctx, grant)
	return grant, nil
}

func (p *Pipeline) markDelivered(ctx context.Context, grant *AccessGrant) {
	now := p.config.Now()
	if err := p.grants.MarkDelivered(ctx, grant.TxID, now); err != nil {
		// the recipient has the link; a redelivery would only send it again
		p.config.Logger.Warn("failed to mark grant delivered",
			F("tx_id", grant.TxID),
			F("error", err.Error()),
		)
		return
	}
	grant.DeliveredAt = &now
}

// ledgerPending asks the provider to redeliver while the ledger update is outstanding
func (p *Pipeline) ledgerPending(grant *AccessGrant) error {
	if grant.LedgerApplied {
		return nil
	}
	return fmt.Errorf("%w: subscription not yet extended for transaction %s", ErrStorageUnavailable, grant.TxID)
}
