package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/leverageguard/internal/blob/s3"
	"github.com/alanyoungcy/leverageguard/internal/price"
	"github.com/alanyoungcy/leverageguard/internal/schedule"
	"github.com/alanyoungcy/leverageguard/internal/server"
	"github.com/alanyoungcy/leverageguard/internal/service"
)

// services holds the engine components built on top of Dependencies.
type services struct {
	liquidator *service.Liquidator
	settler    *service.Settler
	monitor    *service.HealthMonitor
	keeper     *service.HarvestKeeper
	reconciler *service.Reconciler
	refresher  *price.Refresher
}

// workload selects which loops a mode runs. The reconciler always runs.
type workload struct {
	prices     bool
	health     bool
	harvest    bool
	settlement bool
}

// MonitorMode refreshes prices and watches health factors, liquidating
// positions that fall below the threshold.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, workload{prices: true, health: true})
}

// HarvestMode runs only the scheduled interest harvest.
func (a *App) HarvestMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, workload{prices: true, harvest: true})
}

// SettlementMode consumes settlement events from the signal bus.
func (a *App) SettlementMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, workload{settlement: true})
}

// FullMode runs every component in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	return a.run(ctx, deps, workload{prices: true, health: true, harvest: true, settlement: true})
}

func (a *App) buildServices(deps *Dependencies) *services {
	var archive service.StatementArchive
	if deps.Blobs != nil {
		archive = deps.Blobs
	}
	lockTTL := a.cfg.Lock.TTL.Duration

	liquidator := service.NewLiquidator(service.LiquidatorDeps{
		Mirror:   deps.Mirror,
		Prices:   deps.Prices,
		Ledger:   deps.Ledger,
		Locks:    deps.Locks,
		Notifier: deps.Notifier,
		Journal:  deps.Journal,
		Bus:      deps.Bus,
		Clock:    deps.Clock,
		LockTTL:  lockTTL,
	}, a.logger)

	return &services{
		liquidator: liquidator,
		settler: service.NewSettler(service.SettlerDeps{
			Mirror:   deps.Mirror,
			Ledger:   deps.Ledger,
			Locks:    deps.Locks,
			Notifier: deps.Notifier,
			Journal:  deps.Journal,
			Bus:      deps.Bus,
			Archive:  archive,
			Clock:    deps.Clock,
			LockTTL:  lockTTL,
		}, a.logger),
		monitor: service.NewHealthMonitor(
			deps.Mirror, deps.Prices, deps.Ledger, liquidator, deps.Notifier, deps.Clock,
			service.HealthConfig{
				CriticalCooldown: a.cfg.Health.CriticalCooldown.Duration,
				Concurrency:      a.cfg.Health.Concurrency,
			},
			a.logger,
		),
		keeper: service.NewHarvestKeeper(service.HarvestDeps{
			Mirror:    deps.Mirror,
			Prices:    deps.Prices,
			Ledger:    deps.Ledger,
			Locks:     deps.Locks,
			Notifier:  deps.Notifier,
			Journal:   deps.Journal,
			Clock:     deps.Clock,
			BufferBps: a.cfg.Harvest.BufferBps,
			LockTTL:   lockTTL,
		}, a.logger),
		reconciler: service.NewReconciler(service.ReconcilerDeps{
			Mirror:  deps.Mirror,
			Prices:  deps.Prices,
			Ledger:  deps.Ledger,
			Locks:   deps.Locks,
			Journal: deps.Journal,
			Clock:   deps.Clock,
			LockTTL: lockTTL,
		}, a.logger),
		refresher: price.NewRefresher(deps.Prices, deps.PriceMirror, a.cfg.Price.Asset, a.logger),
	}
}

// run starts the selected loops in an errgroup and blocks until ctx is
// cancelled or one of them fails.
func (a *App) run(ctx context.Context, deps *Dependencies, w workload) error {
	svc := a.buildServices(deps)

	// The mirror starts empty; fill it before any loop reads it.
	if _, err := svc.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("app: initial reconcile: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	loop := func(name string, trigger schedule.Trigger, job schedule.Job, runOnStart bool) {
		l := schedule.NewLoop(name, trigger, job, deps.Clock, runOnStart, a.logger)
		g.Go(func() error { return l.Run(ctx) })
	}

	loop("reconcile", schedule.Every(a.cfg.Ledger.ReconcileInterval.Duration), svc.reconciler.Run, false)

	if w.prices {
		loop("price_refresh", schedule.Every(a.cfg.Price.RefreshInterval.Duration), svc.refresher.Run, true)
	}

	if w.health {
		loop("health_check", schedule.Every(a.cfg.Health.CheckInterval.Duration), svc.monitor.Run, true)
	}

	if w.harvest {
		expr := a.cfg.Harvest.Cron()
		trigger, err := schedule.Cron(expr)
		if err != nil {
			return fmt.Errorf("app: harvest schedule: %w", err)
		}
		a.logger.InfoContext(ctx, "harvest scheduled",
			slog.String("mode", a.cfg.Harvest.Mode),
			slog.String("cron", expr),
		)
		loop("harvest", trigger, svc.keeper.Run, false)
	}

	if w.settlement {
		if deps.Bus == nil {
			a.logger.WarnContext(ctx, "no signal bus configured, settlement intake disabled")
		} else {
			listener := service.NewSettlementListener(deps.Bus, a.cfg.Settlement.Channel, svc.settler, a.logger)
			g.Go(func() error { return listener.Run(ctx) })
		}
	}

	if a.cfg.Archive.Enabled && deps.Blobs != nil {
		trigger, err := schedule.Cron(a.cfg.Archive.Cron)
		if err != nil {
			return fmt.Errorf("app: archive schedule: %w", err)
		}
		archiver := s3blob.NewArchiver(deps.Blobs, deps.Journal, deps.Positions, a.logger)
		loop("archive", trigger, archiver.Run, false)
	}

	if a.cfg.Server.Enabled {
		health := server.NewHealthHandler(
			deps.Prices, deps.Mirror, deps.MirrorReader, a.cfg.Price.Asset, deps.Clock, a.logger,
		)
		srv := server.NewServer(server.Config{Port: a.cfg.Server.Port}, health, a.logger)
		g.Go(func() error { return srv.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "engine running",
		slog.Bool("prices", w.prices),
		slog.Bool("health", w.health),
		slog.Bool("harvest", w.harvest),
		slog.Bool("settlement", w.settlement),
		slog.Duration("reconcile_interval", a.cfg.Ledger.ReconcileInterval.Duration.Round(time.Second)),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
