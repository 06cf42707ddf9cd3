// Package gatepasstest provides in-process fakes of the pipeline's outbound
// collaborators for tests.
package gatepasstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
)

// Verifier is a PaymentVerifier answering from a map of transactions
type Verifier struct {
	mu    sync.Mutex
	txs   map[string]*gatepass.Transaction
	err   error
	calls int
}

// NewVerifier creates a verifier that knows txs
func NewVerifier(txs ...*gatepass.Transaction) *Verifier {
	v := &Verifier{txs: make(map[string]*gatepass.Transaction)}
	for _, tx := range txs {
		v.txs[tx.ID] = tx
	}
	return v
}

// FailWith makes every later call return err
func (v *Verifier) FailWith(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.err = err
}

func (v *Verifier) VerifyTransaction(_ context.Context, txID string) (*gatepass.Transaction, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	tx, ok := v.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s not found", gatepass.ErrPaymentNotSuccessful, txID)
	}
	copied := *tx
	return &copied, nil
}

// Calls returns how many verifications were requested
func (v *Verifier) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// InviteCreator hands out numbered links and can be told to fail
type InviteCreator struct {
	mu       sync.Mutex
	requests []gatepass.InviteRequest
	failures int
	err      error
	block    chan struct{}
}

// NewInviteCreator creates an invite creator that always succeeds
func NewInviteCreator() *InviteCreator {
	return &InviteCreator{}
}

// FailNext makes the next n calls return err
func (c *InviteCreator) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = n
	c.err = err
}

// Block makes calls wait until the returned func is called
func (c *InviteCreator) Block() (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *InviteCreator) CreateInviteLink(ctx context.Context, req *gatepass.InviteRequest) (string, error) {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, *req)
	if c.failures > 0 {
		c.failures--
		return "", c.err
	}
	return fmt.Sprintf("https://t.me/+invite%d", len(c.requests)), nil
}

// Requests returns every invite request received, failed ones included
func (c *InviteCreator) Requests() []gatepass.InviteRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gatepass.InviteRequest(nil), c.requests...)
}

// Messenger records messages and can refuse chosen recipients
type Messenger struct {
	mu       sync.Mutex
	sent     []gatepass.Message
	attempts int
	fail     func(msg *gatepass.Message) error
}

// NewMessenger creates a messenger that accepts every message
func NewMessenger() *Messenger {
	return &Messenger{}
}

// FailWhen makes SendMessage return the error fn returns for a message
func (m *Messenger) FailWhen(fn func(msg *gatepass.Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *Messenger) SendMessage(_ context.Context, msg *gatepass.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.fail != nil {
		if err := m.fail(msg); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, *msg)
	return nil
}

// Sent returns every accepted message
func (m *Messenger) Sent() []gatepass.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gatepass.Message(nil), m.sent...)
}

// SentTo returns the accepted messages for one recipient
func (m *Messenger) SentTo(recipientID string) []gatepass.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gatepass.Message
	for _, msg := range m.sent {
		if msg.RecipientID == recipientID {
			out = append(out, msg)
		}
	}
	return out
}

// Attempts returns how many sends were attempted, failed ones included
func (m *Messenger) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// PermanentError is an error a retry cannot fix
type PermanentError struct {
	Msg string
}

func (e *PermanentError) Error() string   { return e.Msg }
func (e *PermanentError) Retryable() bool { return false }
