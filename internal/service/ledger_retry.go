package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
	"github.com/alanyoungcy/leverageguard/internal/retry"
)

// RetryingLedger runs every call on an ExecutionLedger under one retry
// policy. Rejections and unknown positions are never retried.
type RetryingLedger struct {
	inner  domain.ExecutionLedger
	policy retry.Policy
	logger *slog.Logger
}

var _ domain.ExecutionLedger = (*RetryingLedger)(nil)

// NewRetryingLedger wraps inner with policy.
func NewRetryingLedger(inner domain.ExecutionLedger, policy retry.Policy, logger *slog.Logger) *RetryingLedger {
	return &RetryingLedger{
		inner:  inner,
		policy: policy,
		logger: logger.With(slog.String("component", "ledger_retry")),
	}
}

func (r *RetryingLedger) policyFor(ctx context.Context, op string) retry.Policy {
	return r.policy.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		metrics.LedgerRetries.WithLabelValues(op).Inc()
		r.logger.WarnContext(ctx, "ledger call failed, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	})
}

func classify(err error) error {
	if err == nil || retry.IsPermanent(err) {
		return err
	}
	if errors.Is(err, domain.ErrLedgerRejected) || errors.Is(err, domain.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func call[T any](ctx context.Context, r *RetryingLedger, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.DoValue(ctx, r.policyFor(ctx, op), func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		return v, classify(err)
	})
}

func (r *RetryingLedger) ReadHealthFactor(ctx context.Context, positionID string, price fixed.Amount) (int64, error) {
	return call(ctx, r, "read_health_factor", func(ctx context.Context) (int64, error) {
		return r.inner.ReadHealthFactor(ctx, positionID, price)
	})
}

func (r *RetryingLedger) ReadAccruedInterest(ctx context.Context, positionID string) (fixed.Amount, error) {
	return call(ctx, r, "read_accrued_interest", func(ctx context.Context) (fixed.Amount, error) {
		return r.inner.ReadAccruedInterest(ctx, positionID)
	})
}

func (r *RetryingLedger) CheckLiquidity(ctx context.Context, collateral fixed.Amount) (bool, error) {
	return call(ctx, r, "check_liquidity", func(ctx context.Context) (bool, error) {
		return r.inner.CheckLiquidity(ctx, collateral)
	})
}

func (r *RetryingLedger) ExecuteHarvest(ctx context.Context, positionID string, price, maxCollateral fixed.Amount) (domain.HarvestOutcome, error) {
	return call(ctx, r, "execute_harvest", func(ctx context.Context) (domain.HarvestOutcome, error) {
		return r.inner.ExecuteHarvest(ctx, positionID, price, maxCollateral)
	})
}

func (r *RetryingLedger) ExecuteLiquidation(ctx context.Context, positionID string, price fixed.Amount) (domain.LiquidationOutcome, error) {
	return call(ctx, r, "execute_liquidation", func(ctx context.Context) (domain.LiquidationOutcome, error) {
		return r.inner.ExecuteLiquidation(ctx, positionID, price)
	})
}

func (r *RetryingLedger) ExecuteSettlement(ctx context.Context, positionID string, gross fixed.Amount) (domain.SettlementOutcome, error) {
	return call(ctx, r, "execute_settlement", func(ctx context.Context) (domain.SettlementOutcome, error) {
		return r.inner.ExecuteSettlement(ctx, positionID, gross)
	})
}

func (r *RetryingLedger) IsPositionActive(ctx context.Context, positionID string) (bool, error) {
	return call(ctx, r, "is_position_active", func(ctx context.Context) (bool, error) {
		return r.inner.IsPositionActive(ctx, positionID)
	})
}

func (r *RetryingLedger) ListPositions(ctx context.Context) ([]domain.LedgerPosition, error) {
	return call(ctx, r, "list_positions", func(ctx context.Context) ([]domain.LedgerPosition, error) {
		return r.inner.ListPositions(ctx)
	})
}
