package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/position"
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func usd(n int64) fixed.Amount  { return fixed.Whole(n, fixed.StableScale) }
func coll(n int64) fixed.Amount { return fixed.Whole(n, fixed.CollateralScale) }

var px3000 = fixed.Whole(3000, fixed.PriceScale)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(time.Duration) <-chan time.Time { return nil }

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticPrice struct{ px fixed.Amount }

func (s staticPrice) Current() domain.PriceSample {
	return domain.PriceSample{Date: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), Price: s.px}
}
func (s staticPrice) CurrentPrice() fixed.Amount { return s.px }

type ledgerPos struct {
	owner      string
	collateral fixed.Amount
	debt       fixed.Amount
	interest   fixed.Amount
	status     domain.PositionStatus
}

// fakeLedger is an in-memory ExecutionLedger whose health factor is derived
// from its own balances, like the real contract.
type fakeLedger struct {
	mu        sync.Mutex
	positions map[string]*ledgerPos
	liquidity bool
	calls     map[string]int
	failRead  map[string]error
	settleOut *domain.SettlementOutcome
	seq       int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		positions: make(map[string]*ledgerPos),
		liquidity: true,
		calls:     make(map[string]int),
		failRead:  make(map[string]error),
	}
}

func (f *fakeLedger) open(id string, collateral, debt, interest fixed.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[id] = &ledgerPos{owner: "0xowner" + id, collateral: collateral, debt: debt, interest: interest, status: domain.PositionActive}
}

func (f *fakeLedger) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeLedger) ref() string {
	f.seq++
	return fmt.Sprintf("0xtx%d", f.seq)
}

func (f *fakeLedger) get(id string) (*ledgerPos, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, fmt.Errorf("fake ledger %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeLedger) ReadHealthFactor(_ context.Context, id string, px fixed.Amount) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_health_factor"]++
	if err := f.failRead[id]; err != nil {
		return 0, err
	}
	p, err := f.get(id)
	if err != nil {
		return 0, err
	}
	return position.HealthFactorAt(p.collateral, p.debt, px), nil
}

func (f *fakeLedger) ReadAccruedInterest(_ context.Context, id string) (fixed.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["read_accrued_interest"]++
	p, err := f.get(id)
	if err != nil {
		return fixed.Amount{}, err
	}
	return p.interest, nil
}

func (f *fakeLedger) CheckLiquidity(context.Context, fixed.Amount) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["check_liquidity"]++
	return f.liquidity, nil
}

func (f *fakeLedger) ExecuteHarvest(_ context.Context, id string, px, maxCollateral fixed.Amount) (domain.HarvestOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["execute_harvest"]++
	p, err := f.get(id)
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	received := price.ToStable(maxCollateral, px)
	paid := fixed.Min(received, p.interest)
	p.collateral = p.collateral.Sub(maxCollateral)
	p.interest = p.interest.Sub(paid)
	return domain.HarvestOutcome{CollateralSwapped: maxCollateral, StableReceived: received, InterestPaid: paid, LedgerRef: f.ref()}, nil
}

func (f *fakeLedger) ExecuteLiquidation(_ context.Context, id string, px fixed.Amount) (domain.LiquidationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["execute_liquidation"]++
	p, err := f.get(id)
	if err != nil {
		return domain.LiquidationOutcome{}, err
	}
	if p.status != domain.PositionActive {
		return domain.LiquidationOutcome{}, fmt.Errorf("fake ledger %s: %w", id, domain.ErrLedgerRejected)
	}
	out := domain.LiquidationOutcome{CollateralSold: p.collateral, Recovered: price.ToStable(p.collateral, px), LedgerRef: f.ref()}
	p.collateral = fixed.Zero(fixed.CollateralScale)
	p.status = domain.PositionLiquidated
	return out, nil
}

func (f *fakeLedger) ExecuteSettlement(_ context.Context, id string, gross fixed.Amount) (domain.SettlementOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["execute_settlement"]++
	if f.settleOut != nil {
		return *f.settleOut, nil
	}
	p, err := f.get(id)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}
	w := position.Allocate(gross, p.debt, p.interest)
	p.status = domain.PositionSettled
	return domain.SettlementOutcome{Senior: w.Senior, Interest: w.Interest, Residual: w.Residual, LedgerRef: f.ref()}, nil
}

func (f *fakeLedger) IsPositionActive(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["is_position_active"]++
	p, err := f.get(id)
	if err != nil {
		return false, err
	}
	return p.status == domain.PositionActive, nil
}

func (f *fakeLedger) ListPositions(context.Context) ([]domain.LedgerPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list_positions"]++
	var out []domain.LedgerPosition
	for id, p := range f.positions {
		out = append(out, domain.LedgerPosition{
			ID:         id,
			Owner:      p.owner,
			Collateral: p.collateral,
			Debt:       p.debt,
			InitialLTV: 6_667,
			Status:     p.status,
		})
	}
	return out, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n domain.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) count(sev domain.Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.got {
		if x.Severity == sev {
			n++
		}
	}
	return n
}

type memJournal struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (j *memJournal) Log(_ context.Context, event, positionID string, detail map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, domain.AuditEntry{ID: int64(len(j.entries) + 1), Event: event, PositionID: positionID, Detail: detail})
	return nil
}

func (j *memJournal) List(_ context.Context, positionID string, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range j.entries {
		if positionID == "" || e.PositionID == positionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *memJournal) events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	for i, e := range j.entries {
		out[i] = e.Event
	}
	return out
}

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *memArchive) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[path] = b
	return nil
}

func (a *memArchive) Get(_ context.Context, path string) (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *memArchive) Exists(_ context.Context, path string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[path]
	return ok, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	sub       chan []byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.sub, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

// harness wires every workflow over shared fakes.
type harness struct {
	clock    *stepClock
	mirror   *position.Mirror
	ledger   *fakeLedger
	locks    *memory.LockManager
	notifier *recordingNotifier
	journal  *memJournal
	archive  *memArchive
	bus      *fakeBus

	liquidator *Liquidator
	monitor    *HealthMonitor
	keeper     *HarvestKeeper
	settler    *Settler
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newStepClock(),
		ledger:   newFakeLedger(),
		locks:    memory.NewLockManager(),
		notifier: &recordingNotifier{},
		journal:  &memJournal{},
		archive:  &memArchive{},
		bus:      &fakeBus{},
	}
	logger := testLogger()
	prices := staticPrice{px: px3000}
	h.mirror = position.NewMirror(memory.NewPositionStore(), h.clock, logger)
	h.liquidator = NewLiquidator(LiquidatorDeps{
		Mirror: h.mirror, Prices: prices, Ledger: h.ledger, Locks: h.locks,
		Notifier: h.notifier, Journal: h.journal, Bus: h.bus, Clock: h.clock,
	}, logger)
	h.monitor = NewHealthMonitor(h.mirror, prices, h.ledger, h.liquidator, h.notifier, h.clock,
		HealthConfig{CriticalCooldown: 4 * time.Hour, Concurrency: 4}, logger)
	h.keeper = NewHarvestKeeper(HarvestDeps{
		Mirror: h.mirror, Prices: prices, Ledger: h.ledger, Locks: h.locks,
		Notifier: h.notifier, Journal: h.journal, Clock: h.clock,
	}, logger)
	h.settler = NewSettler(SettlerDeps{
		Mirror: h.mirror, Ledger: h.ledger, Locks: h.locks, Notifier: h.notifier,
		Journal: h.journal, Bus: h.bus, Archive: h.archive, Clock: h.clock,
	}, logger)
	h.reconciler = NewReconciler(ReconcilerDeps{
		Mirror: h.mirror, Prices: prices, Ledger: h.ledger, Locks: h.locks,
		Journal: h.journal, Clock: h.clock,
	}, logger)
	return h
}

// open creates the position on the ledger and mirrors it.
func (h *harness) open(t *testing.T, id string, collateral, debt, interest fixed.Amount) {
	t.Helper()
	h.ledger.open(id, collateral, debt, interest)
	if _, err := h.mirror.CreatePosition(context.Background(), position.NewPosition{
		ID:           id,
		Owner:        "0xowner" + id,
		Collateral:   collateral,
		Debt:         debt,
		InitialLTV:   6_667,
		HealthFactor: position.HealthFactorAt(collateral, debt, px3000),
	}); err != nil {
		t.Fatal(err)
	}
}
