package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// NewPosition carries the ledger's view of a freshly opened position.
type NewPosition struct {
	ID           string
	Owner        string
	Collateral   fixed.Amount
	Debt         fixed.Amount
	InitialLTV   int64
	HealthFactor int64
}

// Mirror applies lifecycle transitions to cached positions. Every method
// is a single atomic read-modify-write on the store and every position it
// returns is a private copy.
type Mirror struct {
	store  domain.PositionStore
	clock  schedule.Clock
	logger *slog.Logger
}

// NewMirror creates a Mirror over store.
func NewMirror(store domain.PositionStore, clock schedule.Clock, logger *slog.Logger) *Mirror {
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &Mirror{
		store:  store,
		clock:  clock,
		logger: logger.With(slog.String("component", "position_mirror")),
	}
}

// CreatePosition caches a new ACTIVE position banded by its health factor.
func (m *Mirror) CreatePosition(ctx context.Context, np NewPosition) (domain.Position, error) {
	if np.ID == "" {
		return domain.Position{}, fmt.Errorf("position: create: empty id: %w", domain.ErrInvalidAmount)
	}
	if np.Collateral.Sign() < 0 || np.Debt.Sign() < 0 {
		return domain.Position{}, fmt.Errorf("position: create %s: negative balance: %w", np.ID, domain.ErrInvalidAmount)
	}

	now := m.clock.Now()
	pos := domain.Position{
		ID:                       np.ID,
		Owner:                    np.Owner,
		CollateralAmount:         np.Collateral.Rescale(fixed.CollateralScale, fixed.RoundDown),
		DebtAmount:               np.Debt.Rescale(fixed.StableScale, fixed.RoundUp),
		InitialLTV:               np.InitialLTV,
		CurrentHealthFactor:      np.HealthFactor,
		HealthStatus:             Classify(np.HealthFactor),
		Status:                   domain.PositionActive,
		TotalCollateralHarvested: fixed.Zero(fixed.CollateralScale),
		TotalInterestPaid:        fixed.Zero(fixed.StableScale),
		CreatedAt:                now,
		UpdatedAt:                now,
		Version:                  1,
	}
	if err := m.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position: create %s: %w", np.ID, err)
	}
	m.logger.InfoContext(ctx, "position mirrored",
		slog.String("position_id", pos.ID),
		slog.String("owner", pos.Owner),
		slog.Int64("health_factor", pos.CurrentHealthFactor),
		slog.String("health_status", string(pos.HealthStatus)),
	)
	return pos.Clone(), nil
}

// Get returns one position.
func (m *Mirror) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position: get %s: %w", id, err)
	}
	return pos, nil
}

// GetActivePositions returns the sweep set for the schedulers.
func (m *Mirror) GetActivePositions(ctx context.Context) ([]domain.Position, error) {
	list, err := m.store.ListByStatus(ctx, domain.PositionActive)
	if err != nil {
		return nil, fmt.Errorf("position: list active: %w", err)
	}
	return list, nil
}

// Counts returns the number of positions per status.
func (m *Mirror) Counts(ctx context.Context) (map[domain.PositionStatus]int, error) {
	return m.store.Count(ctx)
}

func (m *Mirror) mutate(ctx context.Context, op, id string, fn func(*domain.Position) error) (domain.Position, error) {
	now := m.clock.Now()
	pos, err := m.store.Update(ctx, id, func(p *domain.Position) error {
		if err := fn(p); err != nil {
			return err
		}
		p.UpdatedAt = now
		p.Version++
		return nil
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("position: %s %s: %w", op, id, err)
	}
	return pos, nil
}

func requireActive(p *domain.Position) error {
	if p.Status != domain.PositionActive {
		return fmt.Errorf("%w: status %s", domain.ErrNotActive, p.Status)
	}
	return nil
}

// UpdateHealth stores a new health factor together with its band.
func (m *Mirror) UpdateHealth(ctx context.Context, id string, factor int64) (domain.Position, error) {
	return m.mutate(ctx, "update health", id, func(p *domain.Position) error {
		if err := requireActive(p); err != nil {
			return err
		}
		p.CurrentHealthFactor = factor
		p.HealthStatus = Classify(factor)
		return nil
	})
}

// SyncBalances overwrites collateral and debt with the ledger's values.
func (m *Mirror) SyncBalances(ctx context.Context, id string, collateral, debt fixed.Amount) (domain.Position, error) {
	return m.mutate(ctx, "sync balances", id, func(p *domain.Position) error {
		if err := requireActive(p); err != nil {
			return err
		}
		if collateral.Sign() < 0 || debt.Sign() < 0 {
			return domain.ErrInvalidAmount
		}
		p.CollateralAmount = collateral
		p.DebtAmount = debt
		return nil
	})
}

// RecordHarvest appends rec, removes the swapped collateral and updates
// totals and health in one step. A record that would consume more
// collateral than the position holds is rejected.
func (m *Mirror) RecordHarvest(ctx context.Context, id string, rec domain.HarvestRecord) (domain.Position, error) {
	return m.mutate(ctx, "record harvest", id, func(p *domain.Position) error {
		if err := requireActive(p); err != nil {
			return err
		}
		if rec.CollateralSwapped.Sign() < 0 || rec.InterestPaid.Sign() < 0 {
			return domain.ErrInvalidAmount
		}
		if rec.CollateralSwapped.Cmp(p.CollateralAmount) > 0 {
			return fmt.Errorf("%w: swapped %s, holding %s",
				domain.ErrInsufficientCollateral, rec.CollateralSwapped, p.CollateralAmount)
		}
		p.HarvestHistory = append(p.HarvestHistory, rec)
		p.CollateralAmount = p.CollateralAmount.Sub(rec.CollateralSwapped)
		p.TotalCollateralHarvested = p.TotalCollateralHarvested.Add(rec.CollateralSwapped)
		p.TotalInterestPaid = p.TotalInterestPaid.Add(rec.InterestPaid)
		p.CurrentHealthFactor = rec.HealthFactorAfter
		p.HealthStatus = Classify(rec.HealthFactorAfter)
		return nil
	})
}

// MarkLiquidated moves an ACTIVE position to LIQUIDATED with its audit.
// All collateral is gone after a liquidation.
func (m *Mirror) MarkLiquidated(ctx context.Context, id string, audit domain.LiquidationAudit) (domain.Position, error) {
	return m.mutate(ctx, "mark liquidated", id, func(p *domain.Position) error {
		if err := requireActive(p); err != nil {
			return err
		}
		a := audit
		p.Liquidation = &a
		p.Status = domain.PositionLiquidated
		p.CollateralAmount = fixed.Zero(fixed.CollateralScale)
		return nil
	})
}

// RecordSettlement moves an ACTIVE or LIQUIDATED position to SETTLED.
func (m *Mirror) RecordSettlement(ctx context.Context, id string, audit domain.SettlementAudit) (domain.Position, error) {
	return m.mutate(ctx, "record settlement", id, func(p *domain.Position) error {
		if p.Status != domain.PositionActive && p.Status != domain.PositionLiquidated {
			return fmt.Errorf("%w: status %s", domain.ErrAlreadyTerminal, p.Status)
		}
		a := audit
		a.PriorStatus = p.Status
		p.Settlement = &a
		p.Status = domain.PositionSettled
		return nil
	})
}

// Close moves an ACTIVE position whose debt the ledger reports repaid to
// CLOSED.
func (m *Mirror) Close(ctx context.Context, id string) (domain.Position, error) {
	return m.mutate(ctx, "close", id, func(p *domain.Position) error {
		if err := requireActive(p); err != nil {
			return err
		}
		p.Status = domain.PositionClosed
		p.DebtAmount = fixed.Zero(fixed.StableScale)
		return nil
	})
}

// RecordNotification updates the debounce state after a notification was
// dispatched. Only critical notifications move LastNotificationTime.
func (m *Mirror) RecordNotification(ctx context.Context, id string, kind domain.NotificationKind, at time.Time) (domain.Position, error) {
	return m.mutate(ctx, "record notification", id, func(p *domain.Position) error {
		switch kind {
		case domain.NotifyWarning:
			p.WarningNotificationSent = true
		case domain.NotifyCritical:
			p.CriticalNotificationSent = true
			t := at
			p.LastNotificationTime = &t
		default:
			return fmt.Errorf("unknown notification kind %q", kind)
		}
		return nil
	})
}

// ResetNotifications clears both debounce flags after a recovery.
func (m *Mirror) ResetNotifications(ctx context.Context, id string) (domain.Position, error) {
	return m.mutate(ctx, "reset notifications", id, func(p *domain.Position) error {
		p.WarningNotificationSent = false
		p.CriticalNotificationSent = false
		return nil
	})
}
