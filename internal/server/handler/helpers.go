// Package handler implements the HTTP/JSON API. Handlers depend on narrow
// service interfaces so they can be exercised without the full wiring.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quantops/tradectl/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// errorBody is the JSON error envelope: a stable machine code plus a short
// human message.
type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// writeError sends a JSON-formatted error response with a plain message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Message: msg})
}

// writeDomainError maps a typed error to its HTTP status and stable code.
// Untyped errors become an opaque 500; sentinel not-found becomes 404.
func writeDomainError(w http.ResponseWriter, log *slog.Logger, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
		return
	}

	var de *domain.Error
	if errors.As(err, &de) {
		writeJSON(w, de.Kind.HTTPStatus(), errorBody{
			Error:   string(de.Kind),
			Reason:  de.Reason,
			Message: de.Message,
		})
		return
	}

	if log != nil {
		log.Error("unclassified handler error", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// actorFrom resolves the acting identity for audited operations: the
// X-Actor header, falling back to "api".
func actorFrom(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}
