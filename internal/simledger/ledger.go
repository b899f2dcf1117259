// Package simledger is an in-process execution ledger for demo runs and
// local development. Interest accrues continuously at a fixed borrow APR,
// swaps clear at the quoted price less slippage, and a per-swap depth limit
// stands in for DEX liquidity.
package simledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
	"github.com/google/uuid"
)

const year = 365 * 24 * time.Hour

// Config tunes the simulated market.
type Config struct {
	BorrowAPRBps int64
	// SwapDepth is the most collateral one swap can absorb. Zero means
	// unlimited.
	SwapDepth   fixed.Amount
	SlippageBps int64
}

// Seed describes a position to open at startup.
type Seed struct {
	Owner      string
	Collateral fixed.Amount
	Debt       fixed.Amount
}

type account struct {
	owner      string
	collateral fixed.Amount
	debt       fixed.Amount
	interest   fixed.Amount
	initialLTV int64
	status     domain.PositionStatus
	openedAt   time.Time

	// accrued is the interest charged since openedAt, paid or not.
	accrued fixed.Amount
}

// Ledger is a deterministic domain.ExecutionLedger.
type Ledger struct {
	cfg   Config
	clock schedule.Clock

	mu       sync.Mutex
	accounts map[string]*account
	nextID   int64
	reserve  fixed.Amount
}

var _ domain.ExecutionLedger = (*Ledger)(nil)

// New creates an empty ledger.
func New(cfg Config, clock schedule.Clock) *Ledger {
	if clock == nil {
		clock = schedule.SystemClock
	}
	return &Ledger{
		cfg:      cfg,
		clock:    clock,
		accounts: make(map[string]*account),
		nextID:   1,
		reserve:  fixed.Zero(fixed.StableScale),
	}
}

// Open creates an ACTIVE position and returns its id. The initial LTV is
// taken at px.
func (l *Ledger) Open(owner string, collateral, debt, px fixed.Amount) (string, error) {
	if collateral.Sign() <= 0 || debt.Sign() < 0 {
		return "", fmt.Errorf("simledger: open: %w", domain.ErrInvalidAmount)
	}
	value := price.ToStable(collateral, px)
	if value.Sign() <= 0 {
		return "", fmt.Errorf("simledger: open: collateral has no value at %s: %w", px, domain.ErrInvalidAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	id := strconv.FormatInt(l.nextID, 10)
	l.nextID++
	l.accounts[id] = &account{
		owner:      owner,
		collateral: collateral.Rescale(fixed.CollateralScale, fixed.RoundDown),
		debt:       debt.Rescale(fixed.StableScale, fixed.RoundDown),
		interest:   fixed.Zero(fixed.StableScale),
		initialLTV: fixed.MulDiv(debt.Rescale(fixed.StableScale, fixed.RoundDown).Units(), big.NewInt(fixed.BasisPoints), value.Units(), fixed.RoundDown).Int64(),
		status:     domain.PositionActive,
		openedAt:   l.clock.Now(),
		accrued:    fixed.Zero(fixed.StableScale),
	}
	return id, nil
}

// SeedAll opens every seed at px.
func (l *Ledger) SeedAll(seeds []Seed, px fixed.Amount) ([]string, error) {
	ids := make([]string, 0, len(seeds))
	for i, s := range seeds {
		id, err := l.Open(s.Owner, s.Collateral, s.Debt, px)
		if err != nil {
			return ids, fmt.Errorf("simledger: seed %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Repay closes an ACTIVE position as if the owner repaid it in full.
func (l *Ledger) Repay(positionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.active(positionID)
	if err != nil {
		return err
	}
	a.status = domain.PositionClosed
	a.collateral = fixed.Zero(fixed.CollateralScale)
	a.debt = fixed.Zero(fixed.StableScale)
	a.interest = fixed.Zero(fixed.StableScale)
	return nil
}

// Reserve is the stable the ledger kept from harvest swaps beyond the
// interest they paid.
func (l *Ledger) Reserve() fixed.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserve
}

func (l *Ledger) ReadHealthFactor(_ context.Context, positionID string, px fixed.Amount) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.get(positionID)
	if err != nil {
		return 0, err
	}
	return position.HealthFactorAt(a.collateral, a.debt, px), nil
}

func (l *Ledger) ReadAccruedInterest(_ context.Context, positionID string) (fixed.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.get(positionID)
	if err != nil {
		return fixed.Amount{}, err
	}
	l.accrue(a)
	return a.interest, nil
}

func (l *Ledger) CheckLiquidity(_ context.Context, collateral fixed.Amount) (bool, error) {
	return l.withinDepth(collateral), nil
}

func (l *Ledger) ExecuteHarvest(_ context.Context, positionID string, px, maxCollateral fixed.Amount) (domain.HarvestOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.active(positionID)
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	l.accrue(a)
	if maxCollateral.Sign() <= 0 || maxCollateral.Cmp(a.collateral) > 0 {
		return domain.HarvestOutcome{}, fmt.Errorf("simledger: harvest %s: swap %s exceeds collateral %s: %w", positionID, maxCollateral, a.collateral, domain.ErrLedgerRejected)
	}
	if !l.withinDepth(maxCollateral) {
		return domain.HarvestOutcome{}, fmt.Errorf("simledger: harvest %s: swap exceeds depth: %w", positionID, domain.ErrLedgerRejected)
	}

	received := l.swap(maxCollateral, px)
	paid := fixed.Min(received, a.interest)
	a.collateral = a.collateral.Sub(maxCollateral)
	a.interest = a.interest.Sub(paid)
	l.reserve = l.reserve.Add(received.Sub(paid))
	return domain.HarvestOutcome{
		CollateralSwapped: maxCollateral,
		StableReceived:    received,
		InterestPaid:      paid,
		LedgerRef:         newRef(),
	}, nil
}

// ExecuteLiquidation sells all collateral. Unlike harvests, a liquidation is
// not limited by swap depth.
func (l *Ledger) ExecuteLiquidation(_ context.Context, positionID string, px fixed.Amount) (domain.LiquidationOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.active(positionID)
	if err != nil {
		return domain.LiquidationOutcome{}, err
	}
	l.accrue(a)

	sold := a.collateral
	recovered := l.swap(sold, px)
	a.collateral = fixed.Zero(fixed.CollateralScale)
	a.debt = fixed.Max(a.debt.Sub(recovered), fixed.Zero(fixed.StableScale))
	a.status = domain.PositionLiquidated
	return domain.LiquidationOutcome{CollateralSold: sold, Recovered: recovered, LedgerRef: newRef()}, nil
}

// ExecuteSettlement runs the waterfall against the outstanding debt, which
// after a liquidation is the shortfall.
func (l *Ledger) ExecuteSettlement(_ context.Context, positionID string, gross fixed.Amount) (domain.SettlementOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.get(positionID)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	if a.status != domain.PositionActive && a.status != domain.PositionLiquidated {
		return domain.SettlementOutcome{}, fmt.Errorf("simledger: settle %s is %s: %w", positionID, a.status, domain.ErrLedgerRejected)
	}
	if gross.Sign() < 0 {
		return domain.SettlementOutcome{}, fmt.Errorf("simledger: settle %s: %w", positionID, domain.ErrInvalidAmount)
	}
	l.accrue(a)

	w := position.Allocate(gross.Rescale(fixed.StableScale, fixed.RoundDown), a.debt, a.interest)
	a.debt = a.debt.Sub(w.Senior)
	a.interest = a.interest.Sub(w.Interest)
	a.collateral = fixed.Zero(fixed.CollateralScale)
	a.status = domain.PositionSettled
	return domain.SettlementOutcome{Senior: w.Senior, Interest: w.Interest, Residual: w.Residual, LedgerRef: newRef()}, nil
}

func (l *Ledger) IsPositionActive(_ context.Context, positionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.get(positionID)
	if err != nil {
		return false, err
	}
	return a.status == domain.PositionActive, nil
}

// ListPositions returns every position in id order.
func (l *Ledger) ListPositions(context.Context) ([]domain.LedgerPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.LedgerPosition, 0, len(l.accounts))
	for id, a := range l.accounts {
		out = append(out, domain.LedgerPosition{
			ID:         id,
			Owner:      a.owner,
			Collateral: a.collateral,
			Debt:       a.debt,
			InitialLTV: a.initialLTV,
			Status:     a.status,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ID, 10, 64)
		return a < b
	})
	return out, nil
}

func (l *Ledger) get(id string) (*account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return nil, fmt.Errorf("simledger: position %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (l *Ledger) active(id string) (*account, error) {
	a, err := l.get(id)
	if err != nil {
		return nil, err
	}
	if a.status != domain.PositionActive {
		return nil, fmt.Errorf("simledger: position %s is %s: %w", id, a.status, domain.ErrLedgerRejected)
	}
	return a, nil
}

// accrue charges simple interest on the debt since the position opened.
// The total is recomputed from openedAt each time so repeated reads never
// lose rounding dust; debt is fixed while a position is active.
func (l *Ledger) accrue(a *account) {
	if a.status != domain.PositionActive || l.cfg.BorrowAPRBps <= 0 {
		return
	}
	elapsed := l.clock.Now().Sub(a.openedAt)
	if elapsed <= 0 {
		return
	}
	num := new(big.Int).Mul(big.NewInt(l.cfg.BorrowAPRBps), big.NewInt(int64(elapsed)))
	den := new(big.Int).Mul(big.NewInt(fixed.BasisPoints), big.NewInt(int64(year)))
	total := a.debt.MulDiv(num, den, fixed.RoundDown)
	if total.Cmp(a.accrued) <= 0 {
		return
	}
	a.interest = a.interest.Add(total.Sub(a.accrued))
	a.accrued = total
}

func (l *Ledger) swap(collateral, px fixed.Amount) fixed.Amount {
	out := price.ToStable(collateral, px)
	if l.cfg.SlippageBps > 0 {
		out = out.MulBps(fixed.BasisPoints-l.cfg.SlippageBps, fixed.RoundDown)
	}
	return out
}

func (l *Ledger) withinDepth(collateral fixed.Amount) bool {
	return l.cfg.SwapDepth.IsZero() || collateral.Cmp(l.cfg.SwapDepth) <= 0
}

func newRef() string { return "sim-" + uuid.NewString() }
