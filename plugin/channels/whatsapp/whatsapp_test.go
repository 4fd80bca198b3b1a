package whatsapp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(map[string]any{
		"accessToken":   "token",
		"phoneNumberId": "10555",
		"verifyToken":   "verify-me",
	})
	require.NoError(t, err)
	return a
}

func TestNewAdapterRequiresCredentials(t *testing.T) {
	_, err := NewAdapter(map[string]any{"accessToken": "token"})
	require.Error(t, err)
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(t)

	challenge, ok := a.VerifyWebhook("subscribe", "verify-me", "challenge-42")
	assert.True(t, ok)
	assert.Equal(t, "challenge-42", challenge)

	_, ok = a.VerifyWebhook("subscribe", "wrong", "challenge-42")
	assert.False(t, ok)

	_, ok = a.VerifyWebhook("unsubscribe", "verify-me", "challenge-42")
	assert.False(t, ok, "only subscribe mode is honored")
}

func TestParseInboundExtractsTextMessages(t *testing.T) {
	body := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"messages": [
						{"from": "15551234567", "id": "wamid.1", "timestamp": "1756000000", "type": "text", "text": {"body": "extra towels please"}},
						{"from": "15551234567", "id": "wamid.2", "timestamp": "1756000001", "type": "image"},
						{"from": "15559876543", "id": "wamid.3", "timestamp": "1756000002", "type": "text", "text": {"body": "what time is breakfast"}}
					]
				}
			}]
		}]
	}`)

	messages, err := ParseInbound(body)
	require.NoError(t, err)
	require.Len(t, messages, 2, "image message is skipped")
	assert.Equal(t, "15551234567", messages[0].From)
	assert.Equal(t, "wamid.1", messages[0].MessageID)
	assert.Equal(t, "extra towels please", messages[0].Text)
	assert.Equal(t, "what time is breakfast", messages[1].Text)
}

func TestParseInboundHandlesStatusOnlyPayload(t *testing.T) {
	// Delivery status notifications carry no messages array.
	messages, err := ParseInbound([]byte(`{"entry":[{"changes":[{"value":{}}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestParseInboundRejectsMalformedJSON(t *testing.T) {
	_, err := ParseInbound([]byte(`{"entry": [`))
	require.Error(t, err)
}
