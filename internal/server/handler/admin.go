package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/quantops/tradectl/internal/execution"
)

// DestructiveService is the guarded destructive surface of the gateway.
type DestructiveService interface {
	CancelAll(ctx context.Context, req execution.DestructiveRequest) (int, error)
	FlattenAll(ctx context.Context, req execution.DestructiveRequest) (int, error)
	KillSwitch(ctx context.Context, req execution.DestructiveRequest) error
}

// GuardedGateway binds an execution gateway to its destructive-op guard so
// handlers see one surface.
type GuardedGateway struct {
	Gateway *execution.Gateway
	Guard   *execution.Guard
}

func (g GuardedGateway) CancelAll(ctx context.Context, req execution.DestructiveRequest) (int, error) {
	return g.Gateway.CancelAll(ctx, g.Guard, req)
}

func (g GuardedGateway) FlattenAll(ctx context.Context, req execution.DestructiveRequest) (int, error) {
	return g.Gateway.FlattenAll(ctx, g.Guard, req)
}

func (g GuardedGateway) KillSwitch(ctx context.Context, req execution.DestructiveRequest) error {
	return g.Gateway.KillSwitch(ctx, g.Guard, req)
}

// AdminHandler serves the destructive operations. Every call requires a
// substantive reason and step-up evidence in the body; the guard enforces
// both plus the per-actor rate limit.
type AdminHandler struct {
	gateway DestructiveService
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(gateway DestructiveService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{gateway: gateway, logger: logger}
}

func (h *AdminHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (execution.DestructiveRequest, bool) {
	var req execution.DestructiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if req.Actor == "" {
		req.Actor = actorFrom(r)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.IPAddress = host
	} else {
		req.IPAddress = r.RemoteAddr
	}
	return req, true
}

// CancelAll cancels every non-terminal order.
// POST /api/v1/admin/cancel-all
func (h *AdminHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	n, err := h.gateway.CancelAll(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "canceled": n})
}

// FlattenAll cancels open orders and closes every position.
// POST /api/v1/positions/flatten-all
func (h *AdminHandler) FlattenAll(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	n, err := h.gateway.FlattenAll(r.Context(), req)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "orders_placed": n})
}

// KillSwitch trips the breaker, cancels everything, and flattens the book.
// POST /api/v1/admin/kill-switch
func (h *AdminHandler) KillSwitch(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	if err := h.gateway.KillSwitch(r.Context(), req); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
