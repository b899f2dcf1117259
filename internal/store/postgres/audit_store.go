package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. Rows are never
// updated or deleted.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends a new audit entry for a position. The detail map is stored as
// JSONB in the database.
func (s *AuditStore) Log(ctx context.Context, event, positionID string, detail map[string]any) error {
	if detail == nil {
		detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}

	const query = `INSERT INTO audit_log (event, position_id, detail) VALUES ($1, $2, $3)`
	_, err = s.pool.Exec(ctx, query, event, positionID, detailJSON)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// listQuery builds the paginated journal query. An empty positionID lists
// every position.
func listQuery(positionID string, opts domain.ListOpts) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, event, position_id, detail, created_at FROM audit_log WHERE 1=1`)
	args := []any{}
	argIdx := 1

	if positionID != "" {
		fmt.Fprintf(&b, " AND position_id = $%d", argIdx)
		args = append(args, positionID)
		argIdx++
	}
	if opts.Since != nil {
		fmt.Fprintf(&b, " AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		fmt.Fprintf(&b, " AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	b.WriteString(" ORDER BY created_at DESC, id DESC")

	if opts.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return b.String(), args
}

// List returns audit entries, newest first, with pagination and optional
// time filtering.
func (s *AuditStore) List(ctx context.Context, positionID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := listQuery(positionID, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte

		if err := rows.Scan(&e.ID, &e.Event, &e.PositionID, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}

		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
