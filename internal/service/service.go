// Package service holds the scheduled workflows of the risk engine: the
// health monitor, the harvest keeper, liquidation, settlement and the
// reconciler that keeps the position mirror in step with the ledger.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// PriceSource is the read side of the price cache.
type PriceSource interface {
	Current() domain.PriceSample
	CurrentPrice() fixed.Amount
}

// PositionsChannel carries lifecycle events for other processes.
const PositionsChannel = "positions"

// DefaultLockTTL bounds how long a crashed holder can block a position. It
// must outlive the slowest ledger write made under the lock.
const DefaultLockTTL = 15 * time.Minute

// LockKey is the mutual-exclusion key shared by every workflow that moves
// a position's collateral or status.
func LockKey(positionID string) string {
	return "position:" + positionID
}

// CycleReport summarises one sweep.
type CycleReport struct {
	Checked    int
	Harvested  int
	Liquidated int
	Notified   int
	Skipped    int
	Failed     int
}

func (r CycleReport) attrs() []any {
	return []any{
		slog.Int("checked", r.Checked),
		slog.Int("harvested", r.Harvested),
		slog.Int("liquidated", r.Liquidated),
		slog.Int("notified", r.Notified),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
	}
}

// sideEffects bundles the best-effort outputs shared by the workflows. Any
// of them may be nil.
type sideEffects struct {
	notifier domain.Notifier
	journal  domain.AuditStore
	bus      domain.SignalBus
	logger   *slog.Logger
}

func (s sideEffects) notify(ctx context.Context, n domain.Notification) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(ctx, n)
}

func (s sideEffects) record(ctx context.Context, event, positionID string, detail map[string]any) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Log(ctx, event, positionID, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func (s sideEffects) publish(ctx context.Context, event, positionID string, detail map[string]any) {
	if s.bus == nil {
		return
	}
	payload := map[string]any{"event": event, "position_id": positionID}
	for k, v := range detail {
		payload[k] = v
	}
	evt, err := json.Marshal(payload)
	if err != nil {
		s.logger.DebugContext(ctx, "encode event failed",
			slog.String("event", event),
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if pubErr := s.bus.Publish(ctx, PositionsChannel, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("position_id", positionID),
			slog.String("error", pubErr.Error()),
		)
	}
}

func bp(v int64) string {
	return strconv.FormatInt(v, 10)
}
