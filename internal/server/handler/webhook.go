package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantops/tradectl/internal/crypto"
	"github.com/quantops/tradectl/internal/domain"
)

// EventIngestor applies broker webhook events to the order store.
type EventIngestor interface {
	Apply(ctx context.Context, ev domain.WebhookEvent) error
}

// WebhookHandler receives broker callbacks. Deliveries are signed; replays of
// the same event are no-ops downstream.
type WebhookHandler struct {
	ingestor EventIngestor
	secret   string
	maxSkew  time.Duration
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler. An empty secret disables
// signature verification (dry-run only).
func NewWebhookHandler(ingestor EventIngestor, secret string, maxSkew time.Duration, logger *slog.Logger) *WebhookHandler {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &WebhookHandler{ingestor: ingestor, secret: secret, maxSkew: maxSkew, logger: logger}
}

// Receive verifies and applies one broker event.
// POST /webhooks/broker
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}

	if h.secret != "" {
		ts := r.Header.Get("X-Webhook-Timestamp")
		sig := r.Header.Get("X-Webhook-Signature")
		if err := crypto.VerifyWebhook(h.secret, string(body), ts, sig, h.maxSkew); err != nil {
			h.logger.WarnContext(r.Context(), "webhook signature rejected",
				slog.String("error", err.Error()))
			writeJSON(w, http.StatusForbidden, errorBody{Error: "auth_error", Message: "invalid signature"})
			return
		}
	}

	var ev domain.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body: "+err.Error())
		return
	}

	if err := h.ingestor.Apply(r.Context(), ev); err != nil {
		// A 404 tells the broker to redeliver later; the reconciler may ingest
		// the order in the meantime.
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}
