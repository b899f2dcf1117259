package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
)

// StatementArchive stores settlement statements in object storage.
type StatementArchive interface {
	domain.BlobWriter
	domain.BlobReader
}

// SettlerDeps wires a Settler. Notifier, Journal, Bus and Archive may be
// nil.
type SettlerDeps struct {
	Mirror   *position.Mirror
	Ledger   domain.ExecutionLedger
	Locks    domain.LockManager
	Notifier domain.Notifier
	Journal  domain.AuditStore
	Bus      domain.SignalBus
	Archive  StatementArchive
	Clock    schedule.Clock
	LockTTL  time.Duration
}

// Settler distributes a gross settlement amount through the waterfall and
// closes the position.
type Settler struct {
	mirror  *position.Mirror
	ledger  domain.ExecutionLedger
	locks   domain.LockManager
	archive StatementArchive
	clock   schedule.Clock
	lockTTL time.Duration
	fx      sideEffects
	logger  *slog.Logger
}

// NewSettler creates a Settler.
func NewSettler(deps SettlerDeps, logger *slog.Logger) *Settler {
	logger = logger.With(slog.String("component", "settler"))
	if deps.Clock == nil {
		deps.Clock = schedule.SystemClock
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = DefaultLockTTL
	}
	return &Settler{
		mirror:  deps.Mirror,
		ledger:  deps.Ledger,
		locks:   deps.Locks,
		archive: deps.Archive,
		clock:   deps.Clock,
		lockTTL: deps.LockTTL,
		fx:      sideEffects{notifier: deps.Notifier, journal: deps.Journal, bus: deps.Bus, logger: logger},
		logger:  logger,
	}
}

func settleable(pos domain.Position) error {
	if pos.Status != domain.PositionActive && pos.Status != domain.PositionLiquidated {
		return fmt.Errorf("settler: position %s is %s: %w", pos.ID, pos.Status, domain.ErrAlreadyTerminal)
	}
	return nil
}

// principalOutstanding is the senior claim: the full debt while ACTIVE, the
// unrecovered shortfall once liquidated.
func principalOutstanding(pos domain.Position) fixed.Amount {
	if pos.Status == domain.PositionLiquidated && pos.Liquidation != nil {
		return pos.Liquidation.Shortfall
	}
	return pos.DebtAmount
}

// Settle runs one settlement event. The ledger's waterfall is authoritative
// but must conserve value; a violating outcome leaves the position as it
// was and returns ErrLedgerInvariant.
func (s *Settler) Settle(ctx context.Context, ev domain.SettlementEvent) (domain.Position, error) {
	if ev.GrossAmount.Sign() < 0 {
		return domain.Position{}, fmt.Errorf("settler: position %s: negative gross %s: %w", ev.PositionID, ev.GrossAmount, domain.ErrInvalidAmount)
	}
	gross := ev.GrossAmount.Rescale(fixed.StableScale, fixed.RoundDown)

	pos, err := s.mirror.Get(ctx, ev.PositionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("settler: %w", err)
	}
	if err := settleable(pos); err != nil {
		return domain.Position{}, err
	}

	unlock, err := s.locks.Acquire(ctx, LockKey(ev.PositionID), s.lockTTL)
	if err != nil {
		return domain.Position{}, fmt.Errorf("settler: lock %s: %w", ev.PositionID, err)
	}
	defer unlock()

	pos, err = s.mirror.Get(ctx, ev.PositionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("settler: %w", err)
	}
	if err := settleable(pos); err != nil {
		return domain.Position{}, err
	}

	principal := principalOutstanding(pos)
	interest, err := s.ledger.ReadAccruedInterest(ctx, pos.ID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("settler: read interest %s: %w", pos.ID, err)
	}
	interest = fixed.Max(interest, fixed.Zero(fixed.StableScale))
	plan := position.Allocate(gross, principal, interest)

	out, err := s.ledger.ExecuteSettlement(ctx, pos.ID, gross)
	if err != nil {
		return domain.Position{}, fmt.Errorf("settler: execute %s: %w", pos.ID, err)
	}
	got := position.Waterfall{Senior: out.Senior, Interest: out.Interest, Residual: out.Residual}
	if err := position.CheckConservation(got, gross, principal, interest); err != nil {
		s.logger.ErrorContext(ctx, "ledger settlement outcome rejected",
			slog.String("position_id", pos.ID),
			slog.String("ledger_ref", out.LedgerRef),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("settler: position %s: %w", pos.ID, err)
	}
	if got.Senior.Cmp(plan.Senior) != 0 || got.Interest.Cmp(plan.Interest) != 0 || got.Residual.Cmp(plan.Residual) != 0 {
		s.logger.WarnContext(ctx, "ledger waterfall differs from local plan",
			slog.String("position_id", pos.ID),
			slog.String("plan_senior", plan.Senior.String()),
			slog.String("plan_interest", plan.Interest.String()),
			slog.String("plan_residual", plan.Residual.String()),
			slog.String("senior", got.Senior.String()),
			slog.String("interest", got.Interest.String()),
			slog.String("residual", got.Residual.String()),
		)
	}

	audit := domain.SettlementAudit{
		SettledAt:            s.clock.Now(),
		GrossAmount:          gross,
		Senior:               got.Senior,
		Interest:             got.Interest,
		Residual:             got.Residual,
		PrincipalOutstanding: principal,
		InterestOutstanding:  interest,
		ExternalRef:          ev.ExternalRef,
		LedgerRef:            out.LedgerRef,
	}
	updated, err := s.mirror.RecordSettlement(ctx, pos.ID, audit)
	if err != nil {
		s.logger.ErrorContext(ctx, "settlement executed but mirror update failed",
			slog.String("position_id", pos.ID),
			slog.String("ledger_ref", out.LedgerRef),
			slog.String("error", err.Error()),
		)
		return domain.Position{}, fmt.Errorf("settler: record %s: %w", pos.ID, err)
	}
	metrics.SettlementsTotal.WithLabelValues(string(pos.Status)).Inc()

	s.archiveStatement(ctx, updated)

	detail := map[string]any{
		"gross":        gross.String(),
		"senior":       got.Senior.String(),
		"interest":     got.Interest.String(),
		"residual":     got.Residual.String(),
		"prior_status": string(pos.Status),
		"external_ref": ev.ExternalRef,
		"ledger_ref":   out.LedgerRef,
	}
	s.fx.record(ctx, "position_settled", pos.ID, detail)
	s.fx.publish(ctx, "position_settled", pos.ID, detail)
	s.fx.notify(ctx, domain.Notification{
		Recipient: pos.Owner,
		Header:    "Position settled",
		Detail: fmt.Sprintf("Position %s settled for %s: principal %s, interest %s, paid to you %s.",
			pos.ID, gross, got.Senior, got.Interest, got.Residual),
		Severity: domain.SeverityInfo,
		Category: domain.CategorySettlement,
		Metadata: map[string]string{
			"position_id":  pos.ID,
			"residual":     got.Residual.String(),
			"external_ref": ev.ExternalRef,
			"ledger_ref":   out.LedgerRef,
		},
	})

	s.logger.InfoContext(ctx, "position settled",
		slog.String("position_id", pos.ID),
		slog.String("prior_status", string(pos.Status)),
		slog.String("gross", gross.String()),
		slog.String("senior", got.Senior.String()),
		slog.String("interest", got.Interest.String()),
		slog.String("residual", got.Residual.String()),
	)
	return updated, nil
}

type settlementStatement struct {
	PositionID           string    `json:"position_id"`
	Owner                string    `json:"owner"`
	SettledAt            time.Time `json:"settled_at"`
	PriorStatus          string    `json:"prior_status"`
	GrossAmount          string    `json:"gross_amount"`
	PrincipalOutstanding string    `json:"principal_outstanding"`
	InterestOutstanding  string    `json:"interest_outstanding"`
	Senior               string    `json:"senior"`
	Interest             string    `json:"interest"`
	Residual             string    `json:"residual"`
	ExternalRef          string    `json:"external_ref,omitempty"`
	LedgerRef            string    `json:"ledger_ref"`
}

// StatementPath is the object key of a settlement statement.
func StatementPath(positionID, ref string) string {
	return fmt.Sprintf("settlements/%s/%s.json", positionID, ref)
}

func (s *Settler) archiveStatement(ctx context.Context, pos domain.Position) {
	if s.archive == nil || pos.Settlement == nil {
		return
	}
	a := pos.Settlement
	ref := a.ExternalRef
	if ref == "" {
		ref = a.LedgerRef
	}
	path := StatementPath(pos.ID, ref)

	exists, err := s.archive.Exists(ctx, path)
	if err == nil && exists {
		return
	}

	data, err := json.MarshalIndent(settlementStatement{
		PositionID:           pos.ID,
		Owner:                pos.Owner,
		SettledAt:            a.SettledAt,
		PriorStatus:          string(a.PriorStatus),
		GrossAmount:          a.GrossAmount.String(),
		PrincipalOutstanding: a.PrincipalOutstanding.String(),
		InterestOutstanding:  a.InterestOutstanding.String(),
		Senior:               a.Senior.String(),
		Interest:             a.Interest.String(),
		Residual:             a.Residual.String(),
		ExternalRef:          a.ExternalRef,
		LedgerRef:            a.LedgerRef,
	}, "", "  ")
	if err != nil {
		return
	}
	if err := s.archive.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		s.logger.WarnContext(ctx, "statement upload failed",
			slog.String("position_id", pos.ID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
