package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// PositionLister is the slice of the position store the archiver reads.
type PositionLister interface {
	ListByStatus(ctx context.Context, status domain.PositionStatus) ([]domain.Position, error)
}

// Archiver copies the day's journal and a snapshot of the position mirror
// to object storage. The mirror lives in memory only; these snapshots are
// what survives a restart for operators.
type Archiver struct {
	writer    domain.BlobWriter
	journal   domain.AuditStore
	positions PositionLister
	logger    *slog.Logger
}

// NewArchiver creates a new Archiver. journal may be nil, in which case only
// position snapshots are written.
func NewArchiver(writer domain.BlobWriter, journal domain.AuditStore, positions PositionLister, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:    writer,
		journal:   journal,
		positions: positions,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// Run archives the previous UTC day. It is the scheduler job.
func (a *Archiver) Run(ctx context.Context) error {
	day := time.Now().UTC().AddDate(0, 0, -1)
	if _, err := a.ArchiveJournal(ctx, day); err != nil {
		return err
	}
	_, err := a.ArchivePositions(ctx, time.Now().UTC())
	return err
}

// ArchiveJournal uploads every journal entry of the UTC day containing day
// to archive/journal/YYYY-MM-DD.jsonl and returns the number of entries.
func (a *Archiver) ArchiveJournal(ctx context.Context, day time.Time) (int, error) {
	if a.journal == nil {
		return 0, nil
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Nanosecond)

	entries, err := a.journal.List(ctx, "", domain.ListOpts{Since: &start, Until: &end})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive journal query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive journal marshal: %w", err)
	}

	path := archivePath("journal", start)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive journal upload: %w", err)
	}

	if err := a.journal.Log(ctx, "archive.journal", "", map[string]any{
		"path":  path,
		"count": len(entries),
		"day":   start.Format(time.DateOnly),
	}); err != nil {
		a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "journal archived",
		slog.String("path", path),
		slog.Int("count", len(entries)),
	)
	return len(entries), nil
}

// ArchivePositions uploads every mirrored position, whatever its status, to
// archive/positions/YYYY-MM-DD.jsonl.
func (a *Archiver) ArchivePositions(ctx context.Context, at time.Time) (int, error) {
	var all []domain.Position
	for _, st := range []domain.PositionStatus{
		domain.PositionActive, domain.PositionLiquidated, domain.PositionSettled, domain.PositionClosed,
	} {
		list, err := a.positions.ListByStatus(ctx, st)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive positions query %s: %w", st, err)
		}
		all = append(all, list...)
	}
	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}
	path := archivePath("positions", at)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	a.logger.InfoContext(ctx, "positions archived",
		slog.String("path", path),
		slog.Int("count", len(all)),
	)
	return len(all), nil
}

// archivePath builds the S3 key for an archive file, partitioned by day.
//
//	archive/journal/2026-10-15.jsonl
//	archive/positions/2026-10-16.jsonl
func archivePath(kind string, day time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day.UTC().Format(time.DateOnly))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
