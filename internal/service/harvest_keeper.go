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
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// DefaultHarvestBufferBps covers price movement between quote and swap.
const DefaultHarvestBufferBps int64 = 500

// HarvestDeps wires a HarvestKeeper. Notifier and Journal may be nil.
type HarvestDeps struct {
	Mirror    *position.Mirror
	Prices    PriceSource
	Ledger    domain.ExecutionLedger
	Locks     domain.LockManager
	Notifier  domain.Notifier
	Journal   domain.AuditStore
	Clock     schedule.Clock
	BufferBps int64
	LockTTL   time.Duration
}

// HarvestKeeper pays accrued interest of every ACTIVE position by swapping
// a slice of its collateral.
type HarvestKeeper struct {
	mirror    *position.Mirror
	prices    PriceSource
	ledger    domain.ExecutionLedger
	locks     domain.LockManager
	clock     schedule.Clock
	bufferBps int64
	lockTTL   time.Duration
	fx        sideEffects
	logger    *slog.Logger
}

// NewHarvestKeeper creates a HarvestKeeper.
func NewHarvestKeeper(deps HarvestDeps, logger *slog.Logger) *HarvestKeeper {
	logger = logger.With(slog.String("component", "harvest_keeper"))
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock
	}
	if deps.BufferBps <= 0 {
		deps.BufferBps = DefaultHarvestBufferBps
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return &HarvestKeeper{
		mirror:    deps.Mirror,
		prices:    deps.Prices,
		ledger:    deps.Ledger,
		locks:     deps.Locks,
		clock:     deps.Clock,
		bufferBps: deps.BufferBps,
		lockTTL:   deps.LockTTL,
		fx:        sideEffects{notifier: deps.Notifier, journal: deps.Journal, logger: logger},
		logger:    logger,
	}
}

// errHarvestSkipped marks a position that had nothing to do this cycle.
var errHarvestSkipped = errors.New("harvest skipped")

// Run is the scheduler job.
func (k *HarvestKeeper) Run(ctx context.Context) error {
	_, err := k.RunCycle(ctx)
	return err
}

// RunCycle harvests each ACTIVE position in turn.
func (k *HarvestKeeper) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	px := k.prices.CurrentPrice()
	if px.Sign() <= 0 {
		return report, errors.New("harvest_keeper: no collateral price available")
	}
	positions, err := k.mirror.GetActivePositions(ctx)
	if err != nil {
		return report, fmt.Errorf("harvest_keeper: %w", err)
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		err := k.harvestPosition(ctx, pos, px)
		switch {
		case err == nil:
			report.Harvested++
			metrics.HarvestsTotal.WithLabelValues("harvested").Inc()
		case errors.Is(err, errHarvestSkipped):
			report.Skipped++
			metrics.HarvestsTotal.WithLabelValues("skipped").Inc()
		default:
			report.Failed++
			metrics.HarvestsTotal.WithLabelValues("failed").Inc()
			metrics.PositionFailures.WithLabelValues("harvest").Inc()
			k.logger.ErrorContext(ctx, "harvest failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	k.logger.InfoContext(ctx, "harvest cycle complete", report.attrs()...)
	return report, nil
}

// HarvestAmount returns the collateral to offer for interest at px: the
// exact requirement grown by bufferBps (rounded up) and capped at the
// position's collateral. It fails with ErrInsufficientCollateral when even
// the unbuffered requirement exceeds the collateral.
func HarvestAmount(interest, collateral, px fixed.Amount, bufferBps int64) (fixed.Amount, error) {
	required := price.ToCollateral(interest, px)
	if required.Cmp(collateral) > 0 {
		return fixed.Amount{}, fmt.Errorf("%w: interest needs %s, holding %s",
			domain.ErrInsufficientCollateral, required, collateral)
	}
	withBuffer := required.MulBps(fixed.BasisPoints+bufferBps, fixed.RoundUp)
	return fixed.Min(withBuffer, collateral), nil
}

func (k *HarvestKeeper) harvestPosition(ctx context.Context, pos domain.Position, px fixed.Amount) error {
	interest, err := k.ledger.ReadAccruedInterest(ctx, pos.ID)
	if err != nil {
		return fmt.Errorf("read interest: %w", err)
	}
	if interest.Sign() <= 0 {
		return errHarvestSkipped
	}

	offer, err := HarvestAmount(interest, pos.CollateralAmount, px, k.bufferBps)
	if err != nil {
		return err
	}

	ok, err := k.ledger.CheckLiquidity(ctx, offer)
	if err != nil {
		return fmt.Errorf("check liquidity: %w", err)
	}
	if !ok {
		k.logger.InfoContext(ctx, "insufficient swap liquidity, deferring harvest",
			slog.String("position_id", pos.ID),
			slog.String("collateral", offer.String()),
		)
		return errHarvestSkipped
	}

	unlock, err := k.locks.Acquire(ctx, LockKey(pos.ID), k.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return errHarvestSkipped
	}
	if err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer unlock()

	// The position may have been liquidated while we queued for the lock.
	current, err := k.mirror.Get(ctx, pos.ID)
	if err != nil {
		return err
	}
	if current.Status != domain.PositionActive {
		return errHarvestSkipped
	}

	out, err := k.ledger.ExecuteHarvest(ctx, pos.ID, px, offer)
	if err != nil {
		return fmt.Errorf("execute harvest: %w", err)
	}

	remaining := current.CollateralAmount.Sub(out.CollateralSwapped)
	rec := domain.HarvestRecord{
		Timestamp:          k.clock.Now(),
		CollateralSwapped:  out.CollateralSwapped,
		StableReceived:     out.StableReceived,
		InterestPaid:       out.InterestPaid,
		PriceAtHarvest:     px,
		HealthFactorBefore: current.CurrentHealthFactor,
		HealthFactorAfter:  position.HealthFactorAt(fixed.Max(remaining, fixed.Zero(fixed.CollateralScale)), current.DebtAmount, px),
		LedgerRef:          out.LedgerRef,
	}
	if _, err := k.mirror.RecordHarvest(ctx, pos.ID, rec); err != nil {
		k.logger.ErrorContext(ctx, "harvest executed but mirror update failed",
			slog.String("position_id", pos.ID),
			slog.String("ledger_ref", out.LedgerRef),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("record harvest: %w", err)
	}

	k.fx.record(ctx, "interest_harvested", pos.ID, map[string]any{
		"collateral_swapped": out.CollateralSwapped.String(),
		"stable_received":    out.StableReceived.String(),
		"interest_paid":      out.InterestPaid.String(),
		"price":              px.String(),
		"health_before":      rec.HealthFactorBefore,
		"health_after":       rec.HealthFactorAfter,
		"ledger_ref":         out.LedgerRef,
	})
	k.fx.notify(ctx, domain.Notification{
		Recipient: pos.Owner,
		Header:    "Interest paid from collateral",
		Detail: fmt.Sprintf("Swapped %s collateral to pay %s interest on position %s. Health factor %s bp.",
			out.CollateralSwapped, out.InterestPaid, pos.ID, bp(rec.HealthFactorAfter)),
		Severity: domain.SeverityInfo,
		Category: domain.CategoryHarvest,
		Metadata: map[string]string{
			"position_id": pos.ID,
			"ledger_ref":  out.LedgerRef,
		},
	})

	k.logger.InfoContext(ctx, "interest harvested",
		slog.String("position_id", pos.ID),
		slog.String("collateral_swapped", out.CollateralSwapped.String()),
		slog.String("interest_paid", out.InterestPaid.String()),
		slog.Int64("health_after", rec.HealthFactorAfter),
	)
	return nil
}
