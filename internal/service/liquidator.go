package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// LiquidatorDeps wires a Liquidator. Notifier, Journal and Bus may be nil.
type LiquidatorDeps struct {
	Mirror   *position.Mirror
	Prices   PriceSource
	Ledger   domain.ExecutionLedger
	Locks    domain.LockManager
	Notifier domain.Notifier
	Journal  domain.AuditStore
	Bus      domain.SignalBus
	Clock    schedule.Clock
	LockTTL  time.Duration
}

// Liquidator unwinds positions whose health factor fell below the
// liquidation threshold. A position is liquidated at most once.
type Liquidator struct {
	mirror  *position.Mirror
	prices  PriceSource
	ledger  domain.ExecutionLedger
	locks   domain.LockManager
	clock   schedule.Clock
	lockTTL time.Duration
	fx      sideEffects
	logger  *slog.Logger
}

// NewLiquidator creates a Liquidator.
func NewLiquidator(deps LiquidatorDeps, logger *slog.Logger) *Liquidator {
	logger = logger.With(slog.String("component", "liquidator"))
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return &Liquidator{
		mirror:  deps.Mirror,
		prices:  deps.Prices,
		ledger:  deps.Ledger,
		locks:   deps.Locks,
		clock:   deps.Clock,
		lockTTL: deps.LockTTL,
		fx:      sideEffects{notifier: deps.Notifier, journal: deps.Journal, bus: deps.Bus, logger: logger},
		logger:  logger,
	}
}

// Liquidate force-unwinds an ACTIVE position. It returns ErrNotActive when
// the mirror or the ledger already consider the position closed, and
// ErrLockHeld when another workflow holds the position.
func (l *Liquidator) Liquidate(ctx context.Context, positionID string, triggerFactor int64) (domain.Position, error) {
	pos, err := l.mirror.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("liquidator: %w", err)
	}
	if pos.Status != domain.PositionActive {
		return domain.Position{}, fmt.Errorf("liquidator: position %s is %s: %w", positionID, pos.Status, domain.ErrNotActive)
	}

	unlock, err := l.locks.Acquire(ctx, LockKey(positionID), l.lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("liquidator: lock %s: %w", positionID, err)
	}
	defer unlock()

	// Another holder may have finished while we waited on the lock.
	pos, err = l.mirror.Get(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("liquidator: %w", err)
	}
	if pos.Status != domain.PositionActive {
		return domain.Position{}, fmt.Errorf("liquidator: position %s is %s: %w", positionID, pos.Status, domain.ErrNotActive)
	}

	active, err := l.ledger.IsPositionActive(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("liquidator: check active %s: %w", positionID, err)
	}
	if !active {
		l.logger.WarnContext(ctx, "ledger reports position inactive, leaving it to the reconciler",
			slog.String("position_id", positionID),
		)
		return domain.Position{}, fmt.Errorf("liquidator: ledger position %s: %w", positionID, domain.ErrNotActive)
	}

	px := l.prices.CurrentPrice()
	out, err := l.ledger.ExecuteLiquidation(ctx, positionID, px)
	if err != nil {
		return domain.Position{}, fmt.Errorf("liquidator: execute %s: %w", positionID, err)
	}

	zero := fixed.Zero(fixed.StableScale)
	recovered := out.Recovered
	audit := domain.LiquidationAudit{
		LiquidatedAt:          l.clock.Now(),
		CollateralSold:        out.CollateralSold,
		Recovered:             recovered,
		Shortfall:             fixed.Max(zero, pos.DebtAmount.Sub(recovered)),
		Surplus:               fixed.Max(zero, recovered.Sub(pos.DebtAmount)),
		PriceAtLiquidation:    px,
		HealthFactorAtTrigger: triggerFactor,
		LedgerRef:             out.LedgerRef,
	}

	updated, err := l.mirror.MarkLiquidated(ctx, positionID, audit)
	if err != nil {
		// The ledger has already unwound the position.
		l.logger.ErrorContext(ctx, "liquidation executed but mirror update failed",
			slog.String("position_id", positionID),
			slog.String("ledger_ref", out.LedgerRef),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("liquidator: mark %s: %w", positionID, err)
	}
	metrics.LiquidationsTotal.Inc()

	detail := map[string]any{
		"collateral_sold": audit.CollateralSold.String(),
		"recovered":       audit.Recovered.String(),
		"debt":            pos.DebtAmount.String(),
		"shortfall":       audit.Shortfall.String(),
		"surplus":         audit.Surplus.String(),
		"price":           px.String(),
		"health_factor":   triggerFactor,
		"ledger_ref":      audit.LedgerRef,
	}
	l.fx.record(ctx, "position_liquidated", positionID, detail)
	l.fx.publish(ctx, "position_liquidated", positionID, detail)
	l.fx.notify(ctx, domain.Notification{
		Recipient: pos.Owner,
		Header:    "Position liquidated",
		Detail: fmt.Sprintf("Position %s was liquidated at health factor %s bp. Recovered %s against debt %s; shortfall %s.",
			positionID, bp(triggerFactor), audit.Recovered, pos.DebtAmount, audit.Shortfall),
		Severity: domain.SeverityCritical,
		Category: domain.CategoryLiquidation,
		Metadata: map[string]string{
			"position_id": positionID,
			"recovered":   audit.Recovered.String(),
			"shortfall":   audit.Shortfall.String(),
			"surplus":     audit.Surplus.String(),
			"ledger_ref":  audit.LedgerRef,
		},
	})

	l.logger.InfoContext(ctx, "position liquidated",
		slog.String("position_id", positionID),
		slog.Int64("health_factor", triggerFactor),
		slog.String("recovered", audit.Recovered.String()),
		slog.String("shortfall", audit.Shortfall.String()),
		slog.String("surplus", audit.Surplus.String()),
		slog.String("ledger_ref", audit.LedgerRef),
	)
	return updated, nil
}
