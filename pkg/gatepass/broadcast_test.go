package gatepass_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gatepass/pkg/gatepass"
	"github.com/mihaimyh/gatepass/pkg/gatepass/gatepasstest"
	"github.com/mihaimyh/gatepass/storage/memory"
)

func TestBroadcaster_BestEffort(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for i := 1; i <= 20; i++ {
		require.NoError(t, store.SaveRecipient(ctx, &gatepass.Recipient{ID: fmt.Sprint(i)}))
	}

	messenger := gatepasstest.NewMessenger()
	messenger.FailWhen(func(msg *gatepass.Message) error {
		if msg.RecipientID == "3" || msg.RecipientID == "7" {
			return &gatepasstest.PermanentError{Msg: "bot was blocked by the user"}
		}
		return nil
	})

	notifier, err := gatepass.NewNotifier(messenger, testConfig())
	require.NoError(t, err)
	b, err := gatepass.NewBroadcaster(store, notifier, testConfig())
	require.NoError(t, err)

	report, err := b.Broadcast(ctx, "new content is up")
	require.NoError(t, err)

	assert.Equal(t, 20, report.Total)
	assert.Equal(t, 18, report.Sent)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, messenger.Sent(), 18)
	assert.Empty(t, messenger.SentTo("3"))
}

func TestBroadcaster_NoRecipients(t *testing.T) {
	notifier, err := gatepass.NewNotifier(gatepasstest.NewMessenger(), testConfig())
	require.NoError(t, err)
	b, err := gatepass.NewBroadcaster(memory.New(), notifier, testConfig())
	require.NoError(t, err)

	report, err := b.Broadcast(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, gatepass.BroadcastReport{}, *report)
}

func TestNewBroadcaster_Validation(t *testing.T) {
	_, err := gatepass.NewBroadcaster(nil, nil, testConfig())
	assert.ErrorIs(t, err, gatepass.ErrStorageUnavailable)

	_, err = gatepass.NewBroadcaster(memory.New(), nil, testConfig())
	assert.ErrorIs(t, err, gatepass.ErrInvalidConfig)
}
