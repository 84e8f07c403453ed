package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/quantops/tradectl/internal/domain"
)

// EventStream is the slice of the bus the events handler needs.
type EventStream interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler serves the durable broker event stream for catch-up reads.
type EventsHandler struct {
	stream EventStream
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(stream EventStream, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{stream: stream, logger: logger}
}

// eventDTO is one stream entry. The payload is the broker event as it was
// appended, so it is embedded raw rather than re-encoded.
type eventDTO struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// listEventsResponse wraps the events list. LastID feeds the next page's
// after parameter.
type listEventsResponse struct {
	Events []eventDTO `json:"events"`
	LastID string     `json:"last_id,omitempty"`
}

// List returns broker events appended after the given stream id.
// GET /api/v1/events?after=<id>&limit=100
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after := q.Get("after")
	if after == "" {
		// "0" reads the stream from its oldest retained entry.
		after = "0"
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}

	msgs, err := h.stream.StreamRead(r.Context(), domain.StreamEvents, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: event stream read failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read event stream")
		return
	}

	out := make([]eventDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, eventDTO{ID: m.ID, Event: json.RawMessage(m.Payload)})
	}
	resp := listEventsResponse{Events: out}
	if len(out) > 0 {
		resp.LastID = out[len(out)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}
