package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/internal/profile"
	"github.com/hrygo/butler/internal/util"
	"github.com/hrygo/butler/store"
	"github.com/hrygo/butler/store/db"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	p := &profile.Profile{Mode: "dev", Data: dir, DSN: filepath.Join(dir, "butler_test.db")}
	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// Message timestamps have second granularity, so a burst of messages lands on
// the same created_at value. Listing must still return them in the order they
// were persisted, in both directions.
func TestListMessagesBreaksTimestampTiesByInsertionOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	conv, err := st.UpsertConversation(ctx, &store.Conversation{
		ID:          util.GenID("conv"),
		ChannelType: store.ChannelWebchat,
		ChannelID:   "sess_burst",
	})
	require.NoError(t, err)

	const total = 12
	for i := 0; i < total; i++ {
		_, err := st.CreateMessage(ctx, &store.Message{
			ID:             util.GenID("msg"),
			ConversationID: conv.ID,
			Direction:      store.MessageInbound,
			SenderType:     store.SenderGuest,
			Content:        fmt.Sprintf("request %d", i),
			DeliveryStatus: store.DeliveryDelivered,
		})
		require.NoError(t, err)
	}

	asc, err := st.ListMessages(ctx, &store.FindMessage{ConversationID: &conv.ID})
	require.NoError(t, err)
	require.Len(t, asc, total)
	for i, m := range asc {
		assert.Equal(t, fmt.Sprintf("request %d", i), m.Content)
	}

	// Descending listings feed the history reader, which treats the first
	// row as the most recently persisted message.
	limit := 3
	desc, err := st.ListMessages(ctx, &store.FindMessage{
		ConversationID: &conv.ID,
		OrderDesc:      true,
		Limit:          &limit,
	})
	require.NoError(t, err)
	require.Len(t, desc, limit)
	assert.Equal(t, fmt.Sprintf("request %d", total-1), desc[0].Content)
	assert.Equal(t, fmt.Sprintf("request %d", total-2), desc[1].Content)
	assert.Equal(t, fmt.Sprintf("request %d", total-3), desc[2].Content)
}
