package simledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var px3000 = fixed.Whole(3000, fixed.PriceScale)

func usd(n int64) fixed.Amount  { return fixed.Whole(n, fixed.StableScale) }
func coll(n int64) fixed.Amount { return fixed.Whole(n, fixed.CollateralScale) }

func newTestLedger(cfg Config) (*Ledger, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, clock), clock
}

func TestInterestAccrual(t *testing.T) {
	l, clock := newTestLedger(Config{BorrowAPRBps: 800})
	ctx := context.Background()
	id, err := l.Open("0xa", coll(50), usd(100_000), px3000)
	if err != nil {
		t.Fatal(err)
	}

	got, _ := l.ReadAccruedInterest(ctx, id)
	if !got.IsZero() {
		t.Fatalf("interest at open = %s", got)
	}

	// Daily reads must not round interest away.
	for range 365 {
		clock.advance(24 * time.Hour)
		if _, err := l.ReadAccruedInterest(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = l.ReadAccruedInterest(ctx, id)
	if got.Cmp(usd(8_000)) != 0 {
		t.Fatalf("one year at 8%% = %s", got)
	}
}

func TestOpenRecordsInitialLTV(t *testing.T) {
	l, _ := newTestLedger(Config{})
	if _, err := l.Open("0xa", coll(0), usd(1), px3000); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("zero collateral: %v", err)
	}
	ids, err := l.SeedAll([]Seed{
		{Owner: "0xa", Collateral: coll(50), Debt: usd(100_000)},
		{Owner: "0xb", Collateral: coll(10), Debt: usd(15_000)},
	}, px3000)
	if err != nil {
		t.Fatal(err)
	}
	list, _ := l.ListPositions(context.Background())
	if len(list) != 2 || list[0].ID != ids[0] || list[1].ID != ids[1] {
		t.Fatalf("list = %+v", list)
	}
	if list[0].InitialLTV != 6_666 || list[1].InitialLTV != 5_000 {
		t.Fatalf("ltv = %d, %d", list[0].InitialLTV, list[1].InitialLTV)
	}
}

func TestHarvest(t *testing.T) {
	l, clock := newTestLedger(Config{BorrowAPRBps: 800, SwapDepth: coll(2)})
	ctx := context.Background()
	id, _ := l.Open("0xa", coll(50), usd(100_000), px3000)
	clock.advance(year)

	out, err := l.ExecuteHarvest(ctx, id, px3000, fixed.MustParse("2.8", fixed.CollateralScale))
	if !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("swap beyond depth: %+v, %v", out, err)
	}
	if ok, _ := l.CheckLiquidity(ctx, fixed.MustParse("2.8", fixed.CollateralScale)); ok {
		t.Fatal("liquidity check ignores depth")
	}

	out, err = l.ExecuteHarvest(ctx, id, px3000, fixed.MustParse("1.8", fixed.CollateralScale))
	if err != nil {
		t.Fatal(err)
	}
	if out.StableReceived.Cmp(usd(5_400)) != 0 || out.InterestPaid.Cmp(usd(5_400)) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	left, _ := l.ReadAccruedInterest(ctx, id)
	if left.Cmp(usd(2_600)) != 0 {
		t.Fatalf("interest left = %s", left)
	}

	out, err = l.ExecuteHarvest(ctx, id, px3000, coll(1))
	if err != nil {
		t.Fatal(err)
	}
	if out.InterestPaid.Cmp(usd(2_600)) != 0 || l.Reserve().Cmp(usd(400)) != 0 {
		t.Fatalf("paid %s reserve %s", out.InterestPaid, l.Reserve())
	}
	list, _ := l.ListPositions(ctx)
	if list[0].Collateral.String() != "47.2" {
		t.Fatalf("collateral = %s", list[0].Collateral)
	}
}

func TestLiquidationThenSettlement(t *testing.T) {
	l, _ := newTestLedger(Config{SlippageBps: 100})
	ctx := context.Background()
	id, _ := l.Open("0xa", coll(30), usd(100_000), px3000)

	hf, _ := l.ReadHealthFactor(ctx, id, px3000)
	if hf != 9_000 {
		t.Fatalf("hf = %d", hf)
	}
	out, err := l.ExecuteLiquidation(ctx, id, px3000)
	if err != nil {
		t.Fatal(err)
	}
	if out.Recovered.Cmp(usd(89_100)) != 0 || out.CollateralSold.Cmp(coll(30)) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := l.ExecuteLiquidation(ctx, id, px3000); !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("second liquidation: %v", err)
	}
	if active, _ := l.IsPositionActive(ctx, id); active {
		t.Fatal("liquidated position still active")
	}

	s, err := l.ExecuteSettlement(ctx, id, usd(12_000))
	if err != nil {
		t.Fatal(err)
	}
	if s.Senior.Cmp(usd(10_900)) != 0 || s.Residual.Cmp(usd(1_100)) != 0 || !s.Interest.IsZero() {
		t.Fatalf("settlement = %+v", s)
	}
	if _, err := l.ExecuteSettlement(ctx, id, usd(1)); !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("settle twice: %v", err)
	}
}

func TestRepay(t *testing.T) {
	l, _ := newTestLedger(Config{})
	ctx := context.Background()
	id, _ := l.Open("0xa", coll(50), usd(100_000), px3000)
	if err := l.Repay(id); err != nil {
		t.Fatal(err)
	}
	list, _ := l.ListPositions(ctx)
	if list[0].Status != domain.PositionClosed {
		t.Fatalf("status = %s", list[0].Status)
	}
	if err := l.Repay(id); !errors.Is(err, domain.ErrLedgerRejected) {
		t.Fatalf("repay twice: %v", err)
	}
	if _, err := l.ReadAccruedInterest(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown: %v", err)
	}
}
