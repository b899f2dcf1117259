package service

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// slowHarvestLedger applies the swap and then holds the call open until
// release is closed, like a transaction waiting for its receipt.
type slowHarvestLedger struct {
	*fakeLedger
	swapped chan struct{}
	release chan struct{}
}

func newSlowHarvestLedger(inner *fakeLedger) *slowHarvestLedger {
	return &slowHarvestLedger{fakeLedger: inner, swapped: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowHarvestLedger) ExecuteHarvest(ctx context.Context, id string, px, maxCollateral fixed.Amount) (domain.HarvestOutcome, error) {
	out, err := s.fakeLedger.ExecuteHarvest(ctx, id, px, maxCollateral)
	close(s.swapped)
	<-s.release
	return out, err
}

// listHookLedger runs after once the position list has been read.
type listHookLedger struct {
	*fakeLedger
	after func()
}

func (l *listHookLedger) ListPositions(ctx context.Context) ([]domain.LedgerPosition, error) {
	out, err := l.fakeLedger.ListPositions(ctx)
	l.after()
	return out, err
}

// startHarvest runs one keeper cycle over slow and returns once the ledger
// has swapped but not yet returned.
func startHarvest(h *harness, slow *slowHarvestLedger) <-chan CycleReport {
	keeper := NewHarvestKeeper(HarvestDeps{
		Mirror: h.mirror, Prices: staticPrice{px: px3000}, Ledger: slow, Locks: h.locks, Clock: h.clock,
	}, testLogger())
	done := make(chan CycleReport, 1)
	go func() {
		report, _ := keeper.RunCycle(context.Background())
		done <- report
	}()
	<-slow.swapped
	return done
}

func TestReconcileDuringHarvest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "1", coll(50), usd(100_000), usd(3_000))

	slow := newSlowHarvestLedger(h.ledger)
	done := startHarvest(h, slow)

	report, err := h.reconciler.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Synced != 0 {
		t.Fatalf("reconcile during harvest = %+v", report)
	}

	close(slow.release)
	if hr := <-done; hr.Harvested != 1 {
		t.Fatalf("harvest = %+v", hr)
	}

	pos, _ := h.mirror.Get(ctx, "1")
	if pos.CollateralAmount.String() != "48.95" || len(pos.HarvestHistory) != 1 {
		t.Fatalf("collateral = %s, records = %d", pos.CollateralAmount, len(pos.HarvestHistory))
	}
	if pos.HarvestHistory[0].HealthFactorAfter != 14_685 {
		t.Fatalf("health after = %d", pos.HarvestHistory[0].HealthFactorAfter)
	}

	again, _ := h.reconciler.Reconcile(ctx)
	if again.Synced != 0 || again.Skipped != 0 {
		t.Fatalf("mirror and ledger should agree: %+v", again)
	}
}

func TestReconcileDefersPositionChangedAfterListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "1", coll(50), usd(100_000), usd(0))
	h.ledger.setCollateral("1", coll(45))

	hooked := &listHookLedger{fakeLedger: h.ledger, after: func() {
		if _, err := h.mirror.UpdateHealth(ctx, "1", 14_000); err != nil {
			t.Error(err)
		}
	}}
	r := NewReconciler(ReconcilerDeps{
		Mirror: h.mirror, Prices: staticPrice{px: px3000}, Ledger: hooked, Locks: h.locks, Clock: h.clock,
	}, testLogger())

	report, err := r.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Synced != 0 {
		t.Fatalf("report = %+v", report)
	}
	pos, _ := h.mirror.Get(ctx, "1")
	if pos.CollateralAmount.Cmp(coll(50)) != 0 {
		t.Fatalf("stale listing applied: %s", pos.CollateralAmount)
	}

	next, _ := h.reconciler.Reconcile(ctx)
	pos, _ = h.mirror.Get(ctx, "1")
	if next.Synced != 1 || pos.CollateralAmount.Cmp(coll(45)) != 0 {
		t.Fatalf("next pass = %+v, collateral %s", next, pos.CollateralAmount)
	}
}

func TestSettlementBlockedDuringHarvest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t, "1", coll(50), usd(100_000), usd(3_000))

	slow := newSlowHarvestLedger(h.ledger)
	done := startHarvest(h, slow)

	_, err := h.settler.Settle(ctx, domain.SettlementEvent{PositionID: "1", GrossAmount: usd(120_000)})
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("settle during harvest: %v", err)
	}

	close(slow.release)
	<-done

	pos, _ := h.mirror.Get(ctx, "1")
	if pos.Status != domain.PositionActive || len(pos.HarvestHistory) != 1 {
		t.Fatalf("pos = %s with %d records", pos.Status, len(pos.HarvestHistory))
	}
	if n := h.ledger.count("execute_settlement"); n != 0 {
		t.Fatalf("ledger settled %d times", n)
	}
}
