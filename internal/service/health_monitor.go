package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// HealthConfig holds the tunables of the health sweep.
type HealthConfig struct {
	// CriticalCooldown is the minimum gap between two critical alerts for
	// the same position.
	CriticalCooldown time.Duration
	// Concurrency bounds how many positions are checked at once.
	Concurrency int
}

// HealthMonitor classifies every ACTIVE position each cycle, alerts owners
// with debouncing, and hands liquidatable positions to the Liquidator.
type HealthMonitor struct {
	mirror     *position.Mirror
	prices     PriceSource
	ledger     domain.ExecutionLedger
	liquidator *Liquidator
	notifier   domain.Notifier
	clock      schedule.Clock
	cfg        HealthConfig
	logger     *slog.Logger
}

// NewHealthMonitor creates a HealthMonitor.
func NewHealthMonitor(
	mirror *position.Mirror,
	prices PriceSource,
	ledger domain.ExecutionLedger,
	liquidator *Liquidator,
	notifier domain.Notifier,
	clock schedule.Clock,
	cfg HealthConfig,
	logger *slog.Logger,
) *HealthMonitor {
	if clock == nil {
		clock = schedule.SystemClock
	}
	if cfg.CriticalCooldown <= 0 {
		cfg.CriticalCooldown = 4 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &HealthMonitor{
		mirror:     mirror,
		prices:     prices,
		ledger:     ledger,
		liquidator: liquidator,
		notifier:   notifier,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "health_monitor")),
	}
}

type checkResult int

const (
	checkOK checkResult = iota
	checkNotified
	checkLiquidated
	checkSkipped
)

// Run is the scheduler job.
func (h *HealthMonitor) Run(ctx context.Context) error {
	_, err := h.RunCycle(ctx)
	return err
}

// RunCycle checks every ACTIVE position once. Failures on one position are
// logged and counted; they never stop the sweep.
func (h *HealthMonitor) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	px := h.prices.CurrentPrice()
	if px.Sign() <= 0 {
		return report, errors.New("health_monitor: no collateral price available")
	}

	positions, err := h.mirror.GetActivePositions(ctx)
	if err != nil {
		return report, fmt.Errorf("health_monitor: %w", err)
	}
	metrics.ActivePositions.Set(float64(len(positions)))

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(h.cfg.Concurrency)
	for _, pos := range positions {
		g.Go(func() error {
			res, err := h.checkPosition(ctx, pos, px)
			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Failed++
				metrics.PositionFailures.WithLabelValues("health").Inc()
				h.logger.ErrorContext(ctx, "health check failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			switch res {
			case checkNotified:
				report.Notified++
			case checkLiquidated:
				report.Liquidated++
			case checkSkipped:
				report.Skipped++
			}
			return nil
		})
	}
	// Per-position failures are counted in report; the workers never error.
	g.Wait()

	h.logger.InfoContext(ctx, "health cycle complete", report.attrs()...)
	return report, nil
}

func (h *HealthMonitor) checkPosition(ctx context.Context, pos domain.Position, px fixed.Amount) (checkResult, error) {
	factor, err := h.ledger.ReadHealthFactor(ctx, pos.ID, px)
	if err != nil {
		return checkOK, fmt.Errorf("read health factor: %w", err)
	}
	updated, err := h.mirror.UpdateHealth(ctx, pos.ID, factor)
	if errors.Is(err, domain.ErrNotActive) {
		// Liquidated or settled since the sweep set was read.
		return checkSkipped, nil
	}
	if err != nil {
		return checkOK, err
	}
	metrics.HealthChecks.WithLabelValues(string(updated.HealthStatus)).Inc()

	switch updated.HealthStatus {
	case domain.HealthLiquidatable:
		_, err := h.liquidator.Liquidate(ctx, pos.ID, factor)
		switch {
		case errors.Is(err, domain.ErrLockHeld), errors.Is(err, domain.ErrNotActive):
			h.logger.InfoContext(ctx, "liquidation skipped",
				slog.String("position_id", pos.ID),
				slog.String("reason", err.Error()),
			)
			return checkSkipped, nil
		case err != nil:
			return checkOK, err
		}
		return checkLiquidated, nil

	case domain.HealthCritical:
		last := updated.LastNotificationTime
		now := h.clock.Now()
		if last != nil && now.Sub(*last) < h.cfg.CriticalCooldown {
			return checkOK, nil
		}
		h.alert(ctx, updated, domain.SeverityCritical, "Position at risk of liquidation",
			fmt.Sprintf("Health factor of position %s is %s bp; liquidation happens below %s bp. Add collateral or repay debt.",
				pos.ID, bp(factor), bp(position.LiquidationThreshold)))
		if _, err := h.mirror.RecordNotification(ctx, pos.ID, domain.NotifyCritical, now); err != nil {
			return checkNotified, fmt.Errorf("record critical notification: %w", err)
		}
		return checkNotified, nil

	case domain.HealthWarning:
		if updated.WarningNotificationSent {
			return checkOK, nil
		}
		h.alert(ctx, updated, domain.SeverityWarning, "Position health declining",
			fmt.Sprintf("Health factor of position %s dropped to %s bp.", pos.ID, bp(factor)))
		if _, err := h.mirror.RecordNotification(ctx, pos.ID, domain.NotifyWarning, h.clock.Now()); err != nil {
			return checkNotified, fmt.Errorf("record warning notification: %w", err)
		}
		return checkNotified, nil

	default:
		if updated.WarningNotificationSent || updated.CriticalNotificationSent {
			if _, err := h.mirror.ResetNotifications(ctx, pos.ID); err != nil {
				return checkOK, fmt.Errorf("reset notifications: %w", err)
			}
		}
		return checkOK, nil
	}
}

func (h *HealthMonitor) alert(ctx context.Context, pos domain.Position, sev domain.Severity, header, detail string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Dispatch(ctx, domain.Notification{
		Recipient: pos.Owner,
		Header:    header,
		Detail:    detail,
		Severity:  sev,
		Category:  domain.CategoryHealth,
		Metadata: map[string]string{
			"position_id":   pos.ID,
			"health_factor": bp(pos.CurrentHealthFactor),
			"health_status": string(pos.HealthStatus),
		},
	})
}
