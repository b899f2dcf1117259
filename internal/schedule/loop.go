// Package schedule runs periodic jobs against an injectable clock. A Loop
// never overlaps its own cycles, and stopping it only prevents new cycles:
// the cycle in flight runs to completion on a context that ignores
// cancellation.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/metrics"
)

// Clock abstracts wall time so tests can drive loops deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now().UTC() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the real UTC wall clock.
var SystemClock Clock = systemClock{}

// Trigger computes the next fire time strictly after a given instant.
type Trigger interface {
	Next(after time.Time) (time.Time, error)
}

type interval time.Duration

func (i interval) Next(after time.Time) (time.Time, error) {
	return after.Add(time.Duration(i)), nil
}

func (i interval) String() string { return "every(" + time.Duration(i).String() + ")" }

// Every fires at a fixed interval measured from the end of the previous
// cycle.
func Every(d time.Duration) Trigger { return interval(d) }

// Job is one scheduler cycle.
type Job func(ctx context.Context) error

// Loop runs a Job on a Trigger.
type Loop struct {
	name       string
	trigger    Trigger
	job        Job
	clock      Clock
	runOnStart bool
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a Loop. When runOnStart is set the first cycle runs
// immediately instead of waiting for the trigger.
func NewLoop(name string, trigger Trigger, job Job, clock Clock, runOnStart bool, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = SystemClock
	}
	return &Loop{
		name:       name,
		trigger:    trigger,
		job:        job,
		clock:      clock,
		runOnStart: runOnStart,
		logger:     logger.With(slog.String("component", "schedule"), slog.String("loop", name)),
	}
}

// Name returns the loop name used in logs and metrics.
func (l *Loop) Name() string { return l.name }

// Run blocks, running cycles until ctx is cancelled, and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "scheduler loop started", slog.Any("trigger", l.trigger))
	if l.runOnStart {
		l.RunOnce(ctx)
	}

	for {
		now := l.clock.Now()
		next, err := l.trigger.Next(now)
		if err != nil {
			return fmt.Errorf("schedule: %s: next fire time: %w", l.name, err)
		}
		wait := next.Sub(now)
		if wait < 0 {
			wait = 0
		}
		l.logger.DebugContext(ctx, "waiting for next cycle",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			l.logger.Info("scheduler loop stopped")
			return ctx.Err()
		case <-l.clock.After(wait):
			l.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single cycle synchronously. The job sees ctx's values but
// not its cancellation.
func (l *Loop) RunOnce(ctx context.Context) error {
	cycleCtx := context.WithoutCancel(ctx)
	start := l.clock.Now()
	err := l.job(cycleCtx)
	elapsed := l.clock.Now().Sub(start)
	metrics.ObserveCycle(l.name, elapsed, err)
	if err != nil {
		l.logger.ErrorContext(cycleCtx, "scheduler cycle failed",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}
	l.logger.DebugContext(cycleCtx, "scheduler cycle finished", slog.Duration("elapsed", elapsed))
	return nil
}

// Start runs the loop in a goroutine until Stop is called or ctx ends.
// Starting a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
}

// Stop prevents further cycles and waits for the in-flight cycle, if any,
// to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
