package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
	"github.com/alanyoungcy/leverageguard/internal/store/memory"
)

func usd(n int64) fixed.Amount { return fixed.Whole(n, fixed.StableScale) }

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		factor int64
		want   domain.HealthStatus
	}{
		{0, domain.HealthLiquidatable},
		{10_999, domain.HealthLiquidatable},
		{11_000, domain.HealthCritical},
		{12_499, domain.HealthCritical},
		{12_500, domain.HealthWarning},
		{13_999, domain.HealthWarning},
		{14_000, domain.HealthHealthy},
		{MaxHealthFactor, domain.HealthHealthy},
	}
	for _, tt := range tests {
		if got := Classify(tt.factor); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.factor, got, tt.want)
		}
	}
}

func TestHealthFactorFloors(t *testing.T) {
	tests := []struct {
		name        string
		value, debt fixed.Amount
		want        int64
	}{
		{"healthy 150k/100k", usd(150_000), usd(100_000), 15_000},
		{"liquidatable 105k/100k", usd(105_000), usd(100_000), 10_500},
		{"one unit short of critical", usd(110_000).Sub(fixed.FromUnits(1, fixed.StableScale)), usd(100_000), 10_999},
		{"exact 11000", usd(110_000), usd(100_000), 11_000},
		{"floors thirds", usd(1), usd(3), 3_333},
		{"zero debt", usd(5), fixed.Zero(fixed.StableScale), MaxHealthFactor},
	}
	for _, tt := range tests {
		if got := HealthFactor(tt.value, tt.debt); got != tt.want {
			t.Errorf("%s: HealthFactor = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestHealthFactorAt(t *testing.T) {
	// 50 collateral at 3000 = 150k against 100k debt.
	got := HealthFactorAt(fixed.Whole(50, fixed.CollateralScale), usd(100_000), fixed.Whole(3000, fixed.PriceScale))
	if got != 15_000 {
		t.Fatalf("got %d", got)
	}
}

func TestAllocateScenario(t *testing.T) {
	w := Allocate(usd(120_000), usd(100_000), usd(5_000))
	if w.Senior.Cmp(usd(100_000)) != 0 || w.Interest.Cmp(usd(5_000)) != 0 || w.Residual.Cmp(usd(15_000)) != 0 {
		t.Fatalf("waterfall = %s/%s/%s", w.Senior, w.Interest, w.Residual)
	}
	if sum := w.Senior.Add(w.Interest).Add(w.Residual); sum.Cmp(usd(120_000)) != 0 {
		t.Fatalf("sum = %s", sum)
	}
}

func TestAllocateConservationGrid(t *testing.T) {
	values := []int64{0, 1, 4_999, 5_000, 99_999, 100_000, 104_999, 105_000, 105_001, 250_000}
	for _, g := range values {
		for _, p := range values {
			for _, i := range []int64{0, 1, 5_000} {
				gross, principal, interest := usd(g), usd(p), usd(i)
				w := Allocate(gross, principal, interest)
				if err := CheckConservation(w, gross, principal, interest); err != nil {
					t.Fatalf("G=%d P=%d I=%d: %v", g, p, i, err)
				}
				if sum := w.Senior.Add(w.Interest).Add(w.Residual); sum.Cmp(gross) != 0 {
					t.Fatalf("G=%d P=%d I=%d: layers sum to %s", g, p, i, sum)
				}
			}
		}
	}
}

func TestCheckConservationRejects(t *testing.T) {
	gross, p, i := usd(100), usd(80), usd(30)
	bad := []Waterfall{
		{Senior: usd(90), Interest: usd(10), Residual: usd(0)},
		{Senior: usd(70), Interest: usd(31), Residual: usd(0)},
		{Senior: usd(80), Interest: usd(20), Residual: usd(1)},
		{Senior: usd(70), Interest: usd(20), Residual: usd(10)},
	}
	for n, w := range bad {
		if err := CheckConservation(w, gross, p, i); !errors.Is(err, domain.ErrLedgerInvariant) {
			t.Errorf("case %d: err = %v", n, err)
		}
	}
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time                       { return c.now }
func (c *stepClock) After(time.Duration) <-chan time.Time { return nil }

func newMirror(t *testing.T) (*Mirror, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	return NewMirror(memory.NewPositionStore(), clock, slog.New(slog.NewJSONHandler(io.Discard, nil))), clock
}

func seed(t *testing.T, m *Mirror, id string, collateral int64, debt int64, hf int64) domain.Position {
	t.Helper()
	pos, err := m.CreatePosition(context.Background(), NewPosition{
		ID:           id,
		Owner:        "0xowner",
		Collateral:   fixed.Whole(collateral, fixed.CollateralScale),
		Debt:         usd(debt),
		InitialLTV:   6_667,
		HealthFactor: hf,
	})
	if err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestCreatePositionDerivesBand(t *testing.T) {
	m, _ := newMirror(t)
	pos := seed(t, m, "1", 50, 100_000, 13_000)
	if pos.Status != domain.PositionActive || pos.HealthStatus != domain.HealthWarning || pos.Version != 1 {
		t.Fatalf("pos = %+v", pos)
	}
	if _, err := m.CreatePosition(context.Background(), NewPosition{ID: "1"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
}

func TestRecordHarvestMonotonicity(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()
	before := seed(t, m, "1", 50, 100_000, 15_000)

	swapped := fixed.MustParse("0.25", fixed.CollateralScale)
	after, err := m.RecordHarvest(ctx, "1", domain.HarvestRecord{
		CollateralSwapped: swapped,
		StableReceived:    usd(750),
		InterestPaid:      usd(700),
		HealthFactorAfter: 14_925,
		LedgerRef:         "0xabc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := before.CollateralAmount.Sub(swapped); after.CollateralAmount.Cmp(want) != 0 {
		t.Fatalf("collateral = %s, want %s", after.CollateralAmount, want)
	}
	if len(after.HarvestHistory) != 1 || after.TotalInterestPaid.Cmp(usd(700)) != 0 {
		t.Fatalf("history/totals not updated: %+v", after)
	}
	if after.CurrentHealthFactor != 14_925 || after.HealthStatus != domain.HealthHealthy {
		t.Fatalf("health = %d %s", after.CurrentHealthFactor, after.HealthStatus)
	}
	if after.Version != before.Version+1 {
		t.Fatalf("version = %d", after.Version)
	}

	_, err = m.RecordHarvest(ctx, "1", domain.HarvestRecord{CollateralSwapped: fixed.Whole(51, fixed.CollateralScale)})
	if !errors.Is(err, domain.ErrInsufficientCollateral) {
		t.Fatalf("over-harvest: %v", err)
	}
	unchanged, _ := m.Get(ctx, "1")
	if unchanged.CollateralAmount.Cmp(after.CollateralAmount) != 0 || len(unchanged.HarvestHistory) != 1 {
		t.Fatal("rejected harvest changed the position")
	}
}

func TestMarkLiquidatedOnce(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()
	seed(t, m, "1", 35, 100_000, 10_500)

	audit := domain.LiquidationAudit{Recovered: usd(105_000), Shortfall: fixed.Zero(fixed.StableScale), LedgerRef: "0x1"}
	pos, err := m.MarkLiquidated(ctx, "1", audit)
	if err != nil {
		t.Fatal(err)
	}
	if pos.Status != domain.PositionLiquidated || !pos.CollateralAmount.IsZero() || pos.Liquidation.LedgerRef != "0x1" {
		t.Fatalf("pos = %+v", pos)
	}

	_, err = m.MarkLiquidated(ctx, "1", domain.LiquidationAudit{LedgerRef: "0x2"})
	if !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("second liquidation: %v", err)
	}
	final, _ := m.Get(ctx, "1")
	if final.Liquidation.LedgerRef != "0x1" {
		t.Fatal("audit overwritten")
	}
	if _, err := m.UpdateHealth(ctx, "1", 20_000); !errors.Is(err, domain.ErrNotActive) {
		t.Fatalf("health update on liquidated: %v", err)
	}
}

func TestRecordSettlementTransitions(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()
	seed(t, m, "active", 50, 100_000, 15_000)
	seed(t, m, "liq", 30, 100_000, 9_000)
	if _, err := m.MarkLiquidated(ctx, "liq", domain.LiquidationAudit{Shortfall: usd(10_000)}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"active", "liq"} {
		pos, err := m.RecordSettlement(ctx, id, domain.SettlementAudit{ExternalRef: "ref-" + id})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if pos.Status != domain.PositionSettled {
			t.Fatalf("%s: status %s", id, pos.Status)
		}
	}
	got, _ := m.Get(ctx, "liq")
	if got.Settlement.PriorStatus != domain.PositionLiquidated || got.Liquidation == nil {
		t.Fatalf("audit trail lost: %+v", got)
	}
	if _, err := m.RecordSettlement(ctx, "active", domain.SettlementAudit{}); !errors.Is(err, domain.ErrAlreadyTerminal) {
		t.Fatalf("second settlement: %v", err)
	}
}

func TestCloseAndNotifications(t *testing.T) {
	m, clock := newMirror(t)
	ctx := context.Background()
	seed(t, m, "1", 50, 100_000, 12_000)

	at := clock.now
	pos, _ := m.RecordNotification(ctx, "1", domain.NotifyWarning, at)
	if !pos.WarningNotificationSent || pos.LastNotificationTime != nil {
		t.Fatalf("warning should not move the critical clock: %+v", pos)
	}
	pos, _ = m.RecordNotification(ctx, "1", domain.NotifyCritical, at)
	if !pos.CriticalNotificationSent || !pos.LastNotificationTime.Equal(at) {
		t.Fatalf("critical not recorded: %+v", pos)
	}
	pos, _ = m.ResetNotifications(ctx, "1")
	if pos.WarningNotificationSent || pos.CriticalNotificationSent {
		t.Fatal("flags not cleared")
	}

	pos, err := m.Close(ctx, "1")
	if err != nil || pos.Status != domain.PositionClosed || !pos.DebtAmount.IsZero() {
		t.Fatalf("close: %+v %v", pos, err)
	}
	active, _ := m.GetActivePositions(ctx)
	if len(active) != 0 {
		t.Fatalf("closed position still active")
	}
}
