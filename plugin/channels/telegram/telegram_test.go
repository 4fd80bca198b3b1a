package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUpdateExtractsTextMessage(t *testing.T) {
	body := []byte(`{
		"update_id": 700001,
		"message": {
			"message_id": 42,
			"from": {"id": 9001, "username": "grace_o"},
			"chat": {"id": 123456789},
			"text": "is the pool open"
		}
	}`)

	inbound, err := ParseUpdate(body)
	require.NoError(t, err)
	require.NotNil(t, inbound)
	assert.Equal(t, "123456789", inbound.ChatID)
	assert.Equal(t, "42", inbound.MessageID)
	assert.Equal(t, "is the pool open", inbound.Text)
	assert.Equal(t, "grace_o", inbound.From)
}

func TestParseUpdateUsesEditedMessage(t *testing.T) {
	body := []byte(`{
		"update_id": 700002,
		"edited_message": {
			"message_id": 43,
			"chat": {"id": 123456789},
			"text": "is the pool open today"
		}
	}`)

	inbound, err := ParseUpdate(body)
	require.NoError(t, err)
	require.NotNil(t, inbound)
	assert.Equal(t, "is the pool open today", inbound.Text)
}

func TestParseUpdateIgnoresNonTextUpdates(t *testing.T) {
	inbound, err := ParseUpdate([]byte(`{"update_id": 700003, "callback_query": {"id": "cb1"}}`))
	require.NoError(t, err)
	assert.Nil(t, inbound)

	inbound, err = ParseUpdate([]byte(`{"update_id": 700004, "message": {"message_id": 44, "chat": {"id": 1}}}`))
	require.NoError(t, err)
	assert.Nil(t, inbound, "sticker or media messages have no text")
}

func TestParseUpdateRejectsMalformedJSON(t *testing.T) {
	_, err := ParseUpdate([]byte(`{"update_id":`))
	require.Error(t, err)
}
