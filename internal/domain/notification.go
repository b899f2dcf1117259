package domain

import "context"

// Severity orders notifications by urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank maps a severity onto an ordered integer for threshold filtering.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Category groups notifications by the workflow that raised them.
type Category string

const (
	CategoryHealth      Category = "health"
	CategoryHarvest     Category = "harvest"
	CategoryLiquidation Category = "liquidation"
	CategorySettlement  Category = "settlement"
	CategorySystem      Category = "system"
)

// Notification is a best-effort message to a position owner or operator.
type Notification struct {
	Recipient string
	Header    string
	Detail    string
	Severity  Severity
	Category  Category
	Metadata  map[string]string
}

// Notifier accepts notifications without blocking the caller. Delivery
// failures are never reported back.
type Notifier interface {
	Dispatch(ctx context.Context, n Notification)
}
