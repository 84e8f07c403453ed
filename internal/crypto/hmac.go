// Package crypto provides HMAC request signing for the broker API, webhook
// signature verification, and encrypted-at-rest API secret storage.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials for HMAC-authenticated broker requests.
type HMACAuth struct {
	Key    string // API key id
	Secret string // API secret
}

// Headers returns the HTTP headers for a signed broker request. The
// signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded as
// base64.
//
// Returned header keys:
//   - X-BROKER-API-KEY
//   - X-BROKER-TIMESTAMP
//   - X-BROKER-SIGNATURE
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp, for
// deterministic testing.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	message := ts + method + path + body
	sig := hmacSHA256Base64([]byte(h.Secret), message)

	return map[string]string{
		"X-BROKER-API-KEY":   h.Key,
		"X-BROKER-TIMESTAMP": ts,
		"X-BROKER-SIGNATURE": sig,
	}
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

// VerifyWebhook checks the signature on an inbound broker webhook. The broker
// signs hex(HMAC-SHA256(secret, timestamp+"."+body)) and sends it alongside
// the timestamp. Events older than maxSkew are rejected to stop replays of
// captured deliveries.
func VerifyWebhook(secret, body, timestamp, signature string, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("crypto: webhook timestamp %q: %w", timestamp, err)
	}
	if skew := time.Since(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
		return fmt.Errorf("crypto: webhook timestamp outside tolerance (%s)", skew)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("crypto: webhook signature mismatch")
	}
	return nil
}

// SignWebhook produces the signature VerifyWebhook expects. Used by the paper
// broker and in tests.
func SignWebhook(secret, body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + body))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
