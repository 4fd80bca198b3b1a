package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/butler/store"
)

func sign(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	// Replicate the provider's key-sorted concatenation.
	for i := range keys {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	payload := requestURL
	for _, k := range keys {
		for _, v := range form[k] {
			payload += k + v
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestValidateSignature(t *testing.T) {
	form := url.Values{}
	form.Set("From", "+15551234567")
	form.Set("Body", "late checkout please")
	form.Set("MessageSid", "SM123")
	requestURL := "https://butler.example.com/webhooks/twilio"

	sig := sign("secret-token", requestURL, form)
	assert.True(t, ValidateSignature("secret-token", requestURL, form, sig))

	assert.False(t, ValidateSignature("wrong-token", requestURL, form, sig), "wrong secret must fail")
	assert.False(t, ValidateSignature("secret-token", requestURL+"x", form, sig), "different url must fail")

	tampered := form
	tampered.Set("Body", "something else")
	assert.False(t, ValidateSignature("secret-token", requestURL, tampered, sig), "altered body must fail")
}

func TestValidateSignatureRejectsGarbage(t *testing.T) {
	form := url.Values{"Body": {"hi"}}
	assert.False(t, ValidateSignature("secret", "https://x.test/hook", form, ""))
	assert.False(t, ValidateSignature("secret", "https://x.test/hook", form, "not-base64-hmac"))
}

func TestMapDeliveryStatus(t *testing.T) {
	cases := map[string]store.DeliveryStatus{
		"queued":      store.DeliveryPending,
		"accepted":    store.DeliveryPending,
		"sending":     store.DeliveryPending,
		"sent":        store.DeliverySent,
		"delivered":   store.DeliveryDelivered,
		"read":        store.DeliveryDelivered,
		"failed":      store.DeliveryFailed,
		"undelivered": store.DeliveryFailed,
		"canceled":    store.DeliveryFailed,
		"DELIVERED":   store.DeliveryDelivered,
		"mystery":     store.DeliveryPending,
	}
	for provider, want := range cases {
		assert.Equal(t, want, MapDeliveryStatus(provider), "provider status %q", provider)
	}
}

func TestNewAdapterRequiresCredentials(t *testing.T) {
	_, err := NewAdapter(map[string]any{"accountSid": "AC1"})
	require.Error(t, err)

	a, err := NewAdapter(map[string]any{
		"accountSid": "AC1",
		"authToken":  "tok",
		"fromNumber": "+15550001111",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok", a.AuthToken())
}
