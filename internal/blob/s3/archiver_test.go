package s3blob

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantops/tradectl/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
}

func (w *memWriter) Write(ctx context.Context, key string, data []byte, contentType string) error {
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[key] = data
	return nil
}

type staticSnapshots []domain.ReconcileSnapshot

func (s staticSnapshots) List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconcileSnapshot, error) {
	return s, nil
}

type staticRuns []domain.RunRecord

func (s staticRuns) List(ctx context.Context, opts domain.ListOpts) ([]domain.RunRecord, error) {
	return s, nil
}

type staticFills []domain.Fill

func (s staticFills) FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error) {
	var out []domain.Fill
	for _, f := range s {
		if !f.FillTime.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

type memAudit struct {
	events []domain.AuditEvent
}

func (a *memAudit) Log(ctx context.Context, ev domain.AuditEvent) error {
	a.events = append(a.events, ev)
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEvent, error) {
	return a.events, nil
}

func TestArchiveDay(t *testing.T) {
	day := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

	snaps := staticSnapshots{
		{ID: 1, Trigger: "interval", Outcome: "clean", CompletedAt: day},
		{ID: 2, Trigger: "interval", Outcome: "healed", CompletedAt: day.Add(48 * time.Hour)}, // other day
	}
	runs := staticRuns{
		{RunID: "r1", RunDate: "2025-06-02", Outcome: domain.RunOutcomeSuccess},
		{RunID: "r2", RunDate: "2025-06-03", Outcome: domain.RunOutcomeSuccess},
	}
	fills := staticFills{
		{FillID: "f1", ClientOrderID: "ord1", Symbol: "AAA", FillTime: day},
		{FillID: "f2", ClientOrderID: "ord2", Symbol: "BBB", FillTime: day.Add(48 * time.Hour)}, // other day
	}
	audit := &memAudit{events: []domain.AuditEvent{
		{ID: 1, EventType: "circuit.trip", Timestamp: day},
	}}
	w := &memWriter{}

	a := NewArchiver(w, snaps, runs, fills, audit, slog.New(slog.DiscardHandler))
	total, err := a.ArchiveDay(context.Background(), "2025-06-02")
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)

	require.Contains(t, w.objects, "archive/reconcile_snapshots/2025-06-02.jsonl")
	require.Contains(t, w.objects, "archive/runs/2025-06-02.jsonl")
	require.Contains(t, w.objects, "archive/fills/2025-06-02.jsonl")
	require.Contains(t, w.objects, "archive/audit/2025-06-02.jsonl")

	fillLines := strings.Split(strings.TrimSpace(string(w.objects["archive/fills/2025-06-02.jsonl"])), "\n")
	require.Len(t, fillLines, 1)
	assert.Contains(t, fillLines[0], "f1")

	// One record per line, only the requested day.
	lines := strings.Split(strings.TrimSpace(string(w.objects["archive/runs/2025-06-02.jsonl"])), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "r1")

	// The archival itself lands in the audit log.
	last := audit.events[len(audit.events)-1]
	assert.Equal(t, "archive.day", last.EventType)
}

func TestArchiveDayRejectsBadDate(t *testing.T) {
	a := NewArchiver(&memWriter{}, staticSnapshots{}, staticRuns{}, staticFills{}, &memAudit{}, slog.New(slog.DiscardHandler))
	_, err := a.ArchiveDay(context.Background(), "06/02/2025")
	require.Error(t, err)
}
