package domain

import (
	"context"
	"time"
)

// PositionStore holds the position mirror. Update applies fn to the stored
// position atomically; if fn returns an error nothing is written.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Get(ctx context.Context, id string) (Position, error)
	Update(ctx context.Context, id string, fn func(*Position) error) (Position, error)
	ListByStatus(ctx context.Context, status PositionStatus) ([]Position, error)
	Count(ctx context.Context) (map[PositionStatus]int, error)
}

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single journal row.
type AuditEntry struct {
	ID         int64
	Event      string
	PositionID string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore is an append-only journal of lifecycle events.
type AuditStore interface {
	Log(ctx context.Context, event, positionID string, detail map[string]any) error
	List(ctx context.Context, positionID string, opts ListOpts) ([]AuditEntry, error)
}
