package gatepass

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Broadcaster sends one message to every registered recipient
type Broadcaster struct {
	recipients  RecipientStore
	notifier    *Notifier
	concurrency int
	logger      Logger
	metrics     Metrics
}

// NewBroadcaster creates a broadcaster
func NewBroadcaster(recipients RecipientStore, notifier *Notifier, config Config) (*Broadcaster, error) {
	if recipients == nil {
		return nil, ErrStorageUnavailable
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrInvalidConfig)
	}
	config = config.withDefaults()

	return &Broadcaster{
		recipients:  recipients,
		notifier:    notifier,
		concurrency: config.BroadcastConcurrency,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// Broadcast is best effort: a failed recipient is counted and skipped.
// Only failing to list recipients is an error.
func (b *Broadcaster) Broadcast(ctx context.Context, text string) (*BroadcastReport, error) {
	list, err := b.recipients.ListRecipients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}

	var sent, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(b.concurrency)

	for _, r := range list {
		g.Go(func() error {
			if err := b.notifier.Send(ctx, r.ID, text); err != nil {
				failed.Add(1)
				b.logger.Debug("broadcast send failed",
					F("recipient_id", r.ID),
					F("error", err.Error()),
				)
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := &BroadcastReport{
		Total:  len(list),
		Sent:   int(sent.Load()),
		Failed: int(failed.Load()),
	}
	b.metrics.RecordBroadcast(report.Sent, report.Failed)
	b.logger.Info("broadcast finished",
		F("total", report.Total),
		F("sent", report.Sent),
		F("failed", report.Failed),
	)
	return report, nil
}
