package gatepass

import (
	"context"
	"errors"
	"fmt"
	"html"
	"time"
)

// Message is an outbound message to one recipient
type Message struct {
	RecipientID string
	Text        string

	// HTML marks Text as HTML formatted
	HTML bool

	// Button is an optional inline URL button under the message
	Button *LinkButton

	DisablePreview bool
}

// LinkButton is an inline button opening URL
type LinkButton struct {
	Text string
	URL  string
}

// Messenger sends messages over the recipient-addressable channel
type Messenger interface {
	SendMessage(ctx context.Context, msg *Message) error
}

// Notifier delivers grants and replies to recipients
type Notifier struct {
	messenger Messenger
	retry     RetryConfig
	logger    Logger
	metrics   Metrics
}

// NewNotifier creates a notifier over messenger
func NewNotifier(messenger Messenger, config Config) (*Notifier, error) {
	if messenger == nil {
		return nil, fmt.Errorf("%w: messenger is required", ErrInvalidConfig)
	}
	config = config.withDefaults()

	return &Notifier{
		messenger: messenger,
		retry:     config.Retry,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}, nil
}

// DeliverGrant sends the invite link to the recipient as a rich message with a
// join button and as a plain-text fallback. Both are attempted; delivery
// succeeds if at least one arrives.
func (n *Notifier) DeliverGrant(ctx context.Context, recipient RecipientIdentity, grant *AccessGrant) error {
	expires := grant.ExpiresAt.UTC().Format(time.RFC1123)

	greeting := "Hi"
	if recipient.DisplayName != "" {
		greeting = "Hi " + html.EscapeString(recipient.DisplayName)
	}

	richErr := n.send(ctx, "rich", &Message{
		RecipientID: recipient.ID,
		Text: fmt.Sprintf("<b>Payment confirmed</b>\n\n%s, your access is ready. "+
			"The invite link below works once and expires on %s.", greeting, expires),
		HTML:           true,
		Button:         &LinkButton{Text: "Join channel", URL: grant.Link},
		DisablePreview: true,
	})

	plainErr := n.send(ctx, "plain", &Message{
		RecipientID: recipient.ID,
		Text: fmt.Sprintf("Payment confirmed. Join the channel with this single-use link: %s "+
			"(expires %s)", grant.Link, expires),
	})

	if richErr != nil && plainErr != nil {
		n.logger.Error("grant delivery failed",
			F("tx_id", grant.TxID),
			F("recipient_id", recipient.ID),
			F("error", errors.Join(richErr, plainErr).Error()),
		)
		return fmt.Errorf("%w: recipient %s: %w", ErrDeliveryFailure, recipient.ID, errors.Join(richErr, plainErr))
	}
	if richErr != nil || plainErr != nil {
		n.logger.Warn("grant partially delivered",
			F("tx_id", grant.TxID),
			F("recipient_id", recipient.ID),
		)
	}
	return nil
}

// Send sends one plain-text message
func (n *Notifier) Send(ctx context.Context, recipientID, text string) error {
	if err := n.send(ctx, "text", &Message{RecipientID: recipientID, Text: text}); err != nil {
		return fmt.Errorf("%w: recipient %s: %w", ErrDeliveryFailure, recipientID, err)
	}
	return nil
}

func (n *Notifier) send(ctx context.Context, kind string, msg *Message) error {
	_, err := Retry(ctx, n.retry, func() (struct{}, error) {
		err := n.messenger.SendMessage(ctx, msg)
		if err != nil && !isTransient(err) {
			return struct{}{}, Permanent(err)
		}
		return struct{}{}, err
	})
	n.metrics.RecordDelivery(kind, err == nil)
	return err
}
