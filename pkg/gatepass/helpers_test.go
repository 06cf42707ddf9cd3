package gatepass_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/gatepass/gatepasstest"
	"github.com/mihaimyh/gatepass/storage/memory"
)

const testChannel = "-1001234567890"

var testNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func testConfig() gatepass.Config {
	cfg := gatepass.DefaultConfig()
	cfg.ChannelID = testChannel
	cfg.Retry = gatepass.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	cfg.Now = func() time.Time { return testNow }
	return cfg
}

func successfulTx(id, recipientID string) *gatepass.Transaction {
	return &gatepass.Transaction{
		ID:       id,
		TxRef:    "tx_" + recipientID + "_1715333400",
		Status:   gatepass.TxStatusSuccessful,
		Amount:   "5000",
		Currency: "NGN",
		Meta:     map[string]string{gatepass.MetaRecipientID: recipientID},
	}
}

type harness struct {
	store     *memory.Storage
	verifier  *gatepasstest.Verifier
	invites   *gatepasstest.InviteCreator
	messenger *gatepasstest.Messenger
	ledger    *gatepass.StoreLedger
	notifier  *gatepass.Notifier
	pipeline  *gatepass.Pipeline
}

func newHarness(t *testing.T, cfg gatepass.Config, txs ...*gatepass.Transaction) *harness {
	t.Helper()

	h := &harness{
		store:     memory.New(),
		verifier:  gatepasstest.NewVerifier(txs...),
		invites:   gatepasstest.NewInviteCreator(),
		messenger: gatepasstest.NewMessenger(),
	}

	var err error
	h.ledger, err = gatepass.NewStoreLedger(h.store, cfg)
	require.NoError(t, err)

	provisioner, err := gatepass.NewProvisioner(h.store, h.invites, h.ledger, cfg)
	require.NoError(t, err)

	h.notifier, err = gatepass.NewNotifier(h.messenger, cfg)
	require.NoError(t, err)

	h.pipeline, err = gatepass.NewPipeline(h.verifier, provisioner, h.notifier, h.store, cfg)
	require.NoError(t, err)

	return h
}
