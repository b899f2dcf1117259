package domain

import (
	"time"

	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// PositionStatus tracks the lifecycle of a leveraged position. Every status
// other than PositionActive is terminal.
type PositionStatus string

const (
	PositionActive     PositionStatus = "active"
	PositionLiquidated PositionStatus = "liquidated"
	PositionSettled    PositionStatus = "settled"
	PositionClosed     PositionStatus = "closed"
)

// Terminal reports whether no further lifecycle transition is expected.
func (s PositionStatus) Terminal() bool { return s != PositionActive }

// HealthStatus is the band a health factor falls into.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthWarning      HealthStatus = "warning"
	HealthCritical     HealthStatus = "critical"
	HealthLiquidatable HealthStatus = "liquidatable"
)

// Position mirrors a leveraged position held on the execution ledger.
// Collateral is at fixed.CollateralScale, debt at fixed.StableScale and
// ratios are in basis points.
type Position struct {
	ID                       string
	Owner                    string
	CollateralAmount         fixed.Amount
	DebtAmount               fixed.Amount
	InitialLTV               int64
	CurrentHealthFactor      int64
	HealthStatus             HealthStatus
	Status                   PositionStatus
	HarvestHistory           []HarvestRecord
	TotalCollateralHarvested fixed.Amount
	TotalInterestPaid        fixed.Amount
	WarningNotificationSent  bool
	CriticalNotificationSent bool
	LastNotificationTime     *time.Time
	Liquidation              *LiquidationAudit
	Settlement               *SettlementAudit
	CreatedAt                time.Time
	UpdatedAt                time.Time
	Version                  int64
}

// Clone returns a deep copy. Amounts are immutable and shared.
func (p Position) Clone() Position {
	out := p
	if p.HarvestHistory != nil {
		out.HarvestHistory = make([]HarvestRecord, len(p.HarvestHistory))
		copy(out.HarvestHistory, p.HarvestHistory)
	}
	if p.LastNotificationTime != nil {
		t := *p.LastNotificationTime
		out.LastNotificationTime = &t
	}
	if p.Liquidation != nil {
		l := *p.Liquidation
		out.Liquidation = &l
	}
	if p.Settlement != nil {
		s := *p.Settlement
		out.Settlement = &s
	}
	return out
}

// HarvestRecord is one interest collection. Records are appended and never
// edited.
type HarvestRecord struct {
	Timestamp          time.Time
	CollateralSwapped  fixed.Amount
	StableReceived     fixed.Amount
	InterestPaid       fixed.Amount
	PriceAtHarvest     fixed.Amount
	HealthFactorBefore int64
	HealthFactorAfter  int64
	LedgerRef          string
}

// LiquidationAudit is written once on the ACTIVE to LIQUIDATED transition.
// Surplus is recorded but never distributed to the owner.
type LiquidationAudit struct {
	LiquidatedAt          time.Time
	CollateralSold        fixed.Amount
	Recovered             fixed.Amount
	Shortfall             fixed.Amount
	Surplus               fixed.Amount
	PriceAtLiquidation    fixed.Amount
	HealthFactorAtTrigger int64
	LedgerRef             string
}

// SettlementAudit is written once on the transition to SETTLED.
type SettlementAudit struct {
	SettledAt            time.Time
	GrossAmount          fixed.Amount
	Senior               fixed.Amount
	Interest             fixed.Amount
	Residual             fixed.Amount
	PrincipalOutstanding fixed.Amount
	InterestOutstanding  fixed.Amount
	PriorStatus          PositionStatus
	ExternalRef          string
	LedgerRef            string
}

// NotificationKind identifies which debounce flag a notification touches.
type NotificationKind string

const (
	NotifyWarning  NotificationKind = "warning"
	NotifyCritical NotificationKind = "critical"
)

// PriceSample is one point of the collateral price history. Price is at
// fixed.PriceScale, in stable units per whole collateral token.
type PriceSample struct {
	Date  time.Time
	Price fixed.Amount
}

// SettlementEvent is an external instruction to settle a position with a
// gross amount at fixed.StableScale.
type SettlementEvent struct {
	PositionID  string
	GrossAmount fixed.Amount
	ExternalRef string
}
