package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "s3cret"}

	a := auth.HeadersAt("POST", "/v1/orders", `{"symbol":"AAPL"}`, 1735600000)
	b := auth.HeadersAt("POST", "/v1/orders", `{"symbol":"AAPL"}`, 1735600000)
	assert.Equal(t, a, b)
	assert.Equal(t, "key-1", a["X-BROKER-API-KEY"])
	assert.Equal(t, "1735600000", a["X-BROKER-TIMESTAMP"])
	assert.NotEmpty(t, a["X-BROKER-SIGNATURE"])

	// Any input change must change the signature.
	c := auth.HeadersAt("POST", "/v1/orders", `{"symbol":"MSFT"}`, 1735600000)
	assert.NotEqual(t, a["X-BROKER-SIGNATURE"], c["X-BROKER-SIGNATURE"])
}

func TestVerifyWebhookRoundTrip(t *testing.T) {
	secret := "whsec"
	body := `{"event_id":"e1","type":"fill"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	sig := SignWebhook(secret, body, ts)
	require.NoError(t, VerifyWebhook(secret, body, ts, sig, time.Minute))

	// Tampered body fails.
	require.Error(t, VerifyWebhook(secret, body+" ", ts, sig, time.Minute))
	// Wrong secret fails.
	require.Error(t, VerifyWebhook("other", body, ts, sig, time.Minute))
}

func TestVerifyWebhookRejectsStaleTimestamp(t *testing.T) {
	secret := "whsec"
	body := `{}`
	old := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	sig := SignWebhook(secret, body, old)
	require.Error(t, VerifyWebhook(secret, body, old, sig, time.Minute))
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("broker-api-secret", "hunter2")
	require.NoError(t, err)

	out, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "broker-api-secret", out)

	_, err = DecryptSecret(blob, "wrong")
	require.Error(t, err)
}
