package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// ReconcileRef marks audits the reconciler wrote for transitions that
// happened on the ledger outside this engine.
const ReconcileRef = "reconciled"

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Seen    int
	Created int
	Synced  int
	Closed  int
	Skipped int
	Failed  int
}

// ReconcilerDeps wires a Reconciler. Journal may be nil.
type ReconcilerDeps struct {
	Mirror  *position.Mirror
	Prices  PriceSource
	Ledger  domain.ExecutionLedger
	Locks   domain.LockManager
	Journal domain.AuditStore
	Clock   schedule.Clock
	LockTTL time.Duration
}

// Reconciler brings the position mirror in line with the ledger, which is
// the system of record.
type Reconciler struct {
	mirror  *position.Mirror
	prices  PriceSource
	ledger  domain.ExecutionLedger
	locks   domain.LockManager
	clock   schedule.Clock
	lockTTL time.Duration
	fx      sideEffects
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps ReconcilerDeps, logger *slog.Logger) *Reconciler {
	logger = logger.With(slog.String("component", "reconciler"))
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return &Reconciler{
		mirror:  deps.Mirror,
		prices:  deps.Prices,
		ledger:  deps.Ledger,
		locks:   deps.Locks,
		clock:   deps.Clock,
		lockTTL: deps.LockTTL,
		fx:      sideEffects{journal: deps.Journal, logger: logger},
		logger:  logger,
	}
}

// Run is the scheduler job.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}

// Reconcile walks the ledger's positions. Unknown ACTIVE positions are
// mirrored, balances of known ACTIVE positions are synced, and positions
// the ledger reports terminal are moved along the matching transition.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	// Versions are taken before the ledger read. A position mutated after
	// that point is newer than the listing and waits for the next pass.
	active, err := r.mirror.GetActivePositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: read mirror: %w", err)
	}
	versions := make(map[string]int64, len(active))
	for _, p := range active {
		versions[p.ID] = p.Version
	}

	list, err := r.ledger.ListPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: list ledger positions: %w", err)
	}
	px := r.prices.CurrentPrice()

	for _, lp := range list {
		report.Seen++
		if err := r.reconcileOne(ctx, lp, px, versions, &report); err != nil {
			report.Failed++
			metrics.PositionFailures.WithLabelValues("reconcile").Inc()
			r.logger.ErrorContext(ctx, "reconcile failed",
				slog.String("position_id", lp.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.InfoContext(ctx, "reconcile complete",
		slog.Int("seen", report.Seen),
		slog.Int("created", report.Created),
		slog.Int("synced", report.Synced),
		slog.Int("closed", report.Closed),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, lp domain.LedgerPosition, px fixed.Amount, versions map[string]int64, report *ReconcileReport) error {
	pos, err := r.mirror.Get(ctx, lp.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if lp.Status != domain.PositionActive {
			return nil
		}
		factor := position.MaxHealthFactor
		if px.Sign() > 0 {
			factor = position.HealthFactorAt(lp.Collateral, lp.Debt, px)
		}
		if _, err := r.mirror.CreatePosition(ctx, position.NewPosition{
			ID:           lp.ID,
			Owner:        lp.Owner,
			Collateral:   lp.Collateral,
			Debt:         lp.Debt,
			InitialLTV:   lp.InitialLTV,
			HealthFactor: factor,
		}); err != nil {
			return err
		}
		report.Created++
		r.fx.record(ctx, "position_discovered", lp.ID, map[string]any{
			"owner":      lp.Owner,
			"collateral": lp.Collateral.String(),
			"debt":       lp.Debt.String(),
		})
		return nil
	}
	if err != nil {
		return err
	}
	if pos.Status != domain.PositionActive {
		return nil
	}
	if lp.Status == domain.PositionActive && balancesMatch(pos, lp) {
		return nil
	}

	// Harvest, liquidation and settlement hold this lock across their
	// ledger write and mirror update.
	unlock, err := r.locks.Acquire(ctx, LockKey(lp.ID), r.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		report.Skipped++
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer unlock()

	pos, err = r.mirror.Get(ctx, lp.ID)
	if err != nil {
		return err
	}
	if v, ok := versions[lp.ID]; !ok || v != pos.Version || pos.Status != domain.PositionActive {
		r.logger.DebugContext(ctx, "position changed since ledger read, deferring",
			slog.String("position_id", lp.ID),
			slog.Int64("version", pos.Version),
		)
		report.Skipped++
		return nil
	}

	switch lp.Status {
	case domain.PositionActive:
		if _, err := r.mirror.SyncBalances(ctx, lp.ID, lp.Collateral, lp.Debt); err != nil {
			return err
		}
		report.Synced++

	case domain.PositionClosed:
		if _, err := r.mirror.Close(ctx, lp.ID); err != nil {
			return err
		}
		report.Closed++
		r.fx.record(ctx, "position_closed", lp.ID, map[string]any{"source": ReconcileRef})

	case domain.PositionLiquidated:
		zero := fixed.Zero(fixed.StableScale)
		if _, err := r.mirror.MarkLiquidated(ctx, lp.ID, domain.LiquidationAudit{
			LiquidatedAt:          r.clock.Now(),
			CollateralSold:        pos.CollateralAmount,
			Recovered:             zero,
			Shortfall:             lp.Debt,
			Surplus:               zero,
			PriceAtLiquidation:    px,
			HealthFactorAtTrigger: pos.CurrentHealthFactor,
			LedgerRef:             ReconcileRef,
		}); err != nil {
			return err
		}
		report.Closed++
		r.fx.record(ctx, "position_liquidated", lp.ID, map[string]any{"source": ReconcileRef})

	case domain.PositionSettled:
		zero := fixed.Zero(fixed.StableScale)
		if _, err := r.mirror.RecordSettlement(ctx, lp.ID, domain.SettlementAudit{
			SettledAt:            r.clock.Now(),
			GrossAmount:          zero,
			Senior:               zero,
			Interest:             zero,
			Residual:             zero,
			PrincipalOutstanding: pos.DebtAmount,
			InterestOutstanding:  zero,
			ExternalRef:          ReconcileRef,
			LedgerRef:            ReconcileRef,
		}); err != nil {
			return err
		}
		report.Closed++
		r.fx.record(ctx, "position_settled", lp.ID, map[string]any{"source": ReconcileRef})
	}
	return nil
}

func balancesMatch(pos domain.Position, lp domain.LedgerPosition) bool {
	return pos.CollateralAmount.Cmp(lp.Collateral) == 0 && pos.DebtAmount.Cmp(lp.Debt) == 0
}
