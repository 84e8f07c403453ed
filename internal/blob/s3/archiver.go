package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantops/tradectl/internal/domain"
)

// listLimit bounds the per-kind fetch for one archival pass. A single UTC day
// produces a handful of snapshots and runs, so this is generous.
const listLimit = 5000

// Narrow store interfaces required by the archiver. The Postgres stores
// satisfy these implicitly; the archiver only needs the listing side.

// SnapshotSource provides read access to reconciliation snapshots.
type SnapshotSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.ReconcileSnapshot, error)
}

// RunSource provides read access to orchestrator run records.
type RunSource interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.RunRecord, error)
}

// FillSource provides read access to recorded fills.
type FillSource interface {
	FillsSince(ctx context.Context, since time.Time) ([]domain.Fill, error)
}

// Archiver copies one UTC day of operational records (reconciliation
// snapshots, run records, fills, audit events) to object storage as JSONL.
// Records are never deleted from the primary store here; retention is a
// separate, explicit step run only after archives have been verified.
type Archiver struct {
	writer    domain.BlobWriter
	snapshots SnapshotSource
	runs      RunSource
	fills     FillSource
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, snapshots SnapshotSource, runs RunSource, fills FillSource, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		snapshots: snapshots,
		runs:      runs,
		fills:     fills,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveDay uploads all records belonging to the given UTC date
// (YYYY-MM-DD). It returns the total number of records archived. Uploads are
// idempotent: re-running a day overwrites the same keys with the same
// content.
func (a *Archiver) ArchiveDay(ctx context.Context, date string) (int64, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("s3blob: bad archive date %q: %w", date, err)
	}
	start := day.UTC()
	end := start.Add(24 * time.Hour)

	var total int64

	n, err := a.archiveSnapshots(ctx, date, start, end)
	if err != nil {
		return total, err
	}
	total += n

	n, err = a.archiveRuns(ctx, date)
	if err != nil {
		return total, err
	}
	total += n

	n, err = a.archiveFills(ctx, date, start, end)
	if err != nil {
		return total, err
	}
	total += n

	n, err = a.archiveAudit(ctx, date, start, end)
	if err != nil {
		return total, err
	}
	total += n

	if err := a.audit.Log(ctx, domain.AuditEvent{
		EventType: "archive.day",
		Actor:     "archiver",
		Action:    "archive",
		Outcome:   "ok",
		Details:   map[string]any{"date": date, "records": total},
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit write failed", slog.String("error", err.Error()))
	}

	a.logger.InfoContext(ctx, "day archived",
		slog.String("date", date), slog.Int64("records", total))
	return total, nil
}

func (a *Archiver) archiveSnapshots(ctx context.Context, date string, start, end time.Time) (int64, error) {
	all, err := a.snapshots.List(ctx, domain.ListOpts{Limit: listLimit})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive snapshots query: %w", err)
	}

	var day []domain.ReconcileSnapshot
	for _, s := range all {
		if !s.CompletedAt.Before(start) && s.CompletedAt.Before(end) {
			day = append(day, s)
		}
	}
	return upload(ctx, a, archiveKey("reconcile_snapshots", date), day)
}

func (a *Archiver) archiveRuns(ctx context.Context, date string) (int64, error) {
	all, err := a.runs.List(ctx, domain.ListOpts{Limit: listLimit})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive runs query: %w", err)
	}

	var day []domain.RunRecord
	for _, r := range all {
		if r.RunDate == date {
			day = append(day, r)
		}
	}
	return upload(ctx, a, archiveKey("runs", date), day)
}

func (a *Archiver) archiveFills(ctx context.Context, date string, start, end time.Time) (int64, error) {
	all, err := a.fills.FillsSince(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}

	var day []domain.Fill
	for _, f := range all {
		if f.FillTime.Before(end) {
			day = append(day, f)
		}
	}
	return upload(ctx, a, archiveKey("fills", date), day)
}

func (a *Archiver) archiveAudit(ctx context.Context, date string, start, end time.Time) (int64, error) {
	all, err := a.audit.List(ctx, domain.ListOpts{Limit: listLimit})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}

	var day []domain.AuditEvent
	for _, ev := range all {
		if !ev.Timestamp.Before(start) && ev.Timestamp.Before(end) {
			day = append(day, ev)
		}
	}
	return upload(ctx, a, archiveKey("audit", date), day)
}

// upload serialises records as JSONL and writes them under the given key.
// Empty days upload nothing.
func upload[T any](ctx context.Context, a *Archiver, key string, records []T) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: marshal %s: %w", key, err)
	}
	if err := a.writer.Write(ctx, key, buf, "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", key, err)
	}
	return int64(len(records)), nil
}

// archiveKey builds the object key for one day's archive of a record kind.
//
//	archive/reconcile_snapshots/2025-06-02.jsonl
//	archive/runs/2025-06-02.jsonl
//	archive/fills/2025-06-02.jsonl
//	archive/audit/2025-06-02.jsonl
func archiveKey(kind, date string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, date)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
