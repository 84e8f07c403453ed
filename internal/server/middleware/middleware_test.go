package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/domain"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAuthDisabledWhenKeyEmpty(t *testing.T) {
	h := Auth("")(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthAcceptsBearerAndAPIKey(t *testing.T) {
	h := Auth("sekrit")(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("X-API-Key", "sekrit")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAuthRejectsBadToken(t *testing.T) {
	h := Auth("sekrit")(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("X-API-Key", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStaticStepUpVerifier(t *testing.T) {
	verify := StaticStepUpVerifier("step-tok")

	require.NoError(t, verify(context.Background(), "ops", "step-tok"))

	err := verify(context.Background(), "ops", "nope")
	require.Error(t, err)
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))

	// Unconfigured token rejects everything, including empty presentations.
	err = StaticStepUpVerifier("")(context.Background(), "ops", "")
	require.Error(t, err)
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))
}

// fakeLimiter scripts Allow responses per call.
type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func TestRateLimitAllows(t *testing.T) {
	lim := &fakeLimiter{allow: true}
	h := RateLimit(lim, 10, time.Minute, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.RemoteAddr = "10.0.0.9:4242"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, lim.keys, 1)
	assert.Equal(t, "ratelimit:api:10.0.0.9", lim.keys[0])
}

func TestRateLimitRejects(t *testing.T) {
	h := RateLimit(&fakeLimiter{allow: false}, 10, time.Minute, false)(okHandler)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimitFailsClosedByDefault(t *testing.T) {
	lim := &fakeLimiter{err: fmt.Errorf("redis down")}

	h := RateLimit(lim, 10, time.Minute, false)(okHandler)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	// Dev deployments may opt into fail-open.
	h = RateLimit(lim, 10, time.Minute, true)(okHandler)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitPrefersForwardedFor(t *testing.T) {
	lim := &fakeLimiter{allow: true}
	h := RateLimit(lim, 10, time.Minute, false)(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Len(t, lim.keys, 1)
	assert.Equal(t, "ratelimit:api:203.0.113.7", lim.keys[0])
}
