package domain

import (
	"context"

	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// HarvestOutcome is the decoded result of a swap-and-repay-interest call.
type HarvestOutcome struct {
	CollateralSwapped fixed.Amount
	StableReceived    fixed.Amount
	InterestPaid      fixed.Amount
	LedgerRef         string
}

// LiquidationOutcome is the decoded result of a forced unwind.
type LiquidationOutcome struct {
	CollateralSold fixed.Amount
	Recovered      fixed.Amount
	LedgerRef      string
}

// SettlementOutcome is the decoded result of a settlement waterfall executed
// by the ledger.
type SettlementOutcome struct {
	Senior    fixed.Amount
	Interest  fixed.Amount
	Residual  fixed.Amount
	LedgerRef string
}

// LedgerPosition is the ledger's authoritative view of a position.
type LedgerPosition struct {
	ID         string
	Owner      string
	Collateral fixed.Amount
	Debt       fixed.Amount
	InitialLTV int64
	Status     PositionStatus
}

// ExecutionLedger is the authoritative system of record for balances and
// transfers. Every call may block on the network and may fail transiently;
// failures the ledger itself refused wrap ErrLedgerRejected.
type ExecutionLedger interface {
	ReadHealthFactor(ctx context.Context, positionID string, price fixed.Amount) (int64, error)
	ReadAccruedInterest(ctx context.Context, positionID string) (fixed.Amount, error)
	CheckLiquidity(ctx context.Context, collateral fixed.Amount) (bool, error)
	ExecuteHarvest(ctx context.Context, positionID string, price, maxCollateral fixed.Amount) (HarvestOutcome, error)
	ExecuteLiquidation(ctx context.Context, positionID string, price fixed.Amount) (LiquidationOutcome, error)
	ExecuteSettlement(ctx context.Context, positionID string, gross fixed.Amount) (SettlementOutcome, error)
	IsPositionActive(ctx context.Context, positionID string) (bool, error)
	ListPositions(ctx context.Context) ([]LedgerPosition, error)
}
