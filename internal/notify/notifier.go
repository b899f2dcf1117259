// Package notify fans notifications out to every registered sender
// (Telegram, Discord, a Redis stream, the log). Dispatch never blocks the
// state transition that raised the notification and never reports delivery
// failures back to it.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/metrics"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one notification.
	Send(ctx context.Context, n domain.Notification) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Options filters and bounds delivery.
type Options struct {
	// Categories lists the categories to forward. Empty forwards all.
	Categories []string
	// MinSeverity drops anything less urgent.
	MinSeverity domain.Severity
	// Timeout bounds one delivery attempt across all senders.
	Timeout time.Duration
}

// Notifier dispatches notifications to one or more Senders asynchronously.
type Notifier struct {
	senders     []Sender
	categories  map[domain.Category]bool
	minSeverity domain.Severity
	timeout     time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.Category]bool, len(opts.Categories))
	for _, c := range opts.Categories {
		if c = strings.TrimSpace(c); c != "" {
			allowed[domain.Category(c)] = true
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Notifier{
		senders:     senders,
		categories:  allowed,
		minSeverity: opts.MinSeverity,
		timeout:     opts.Timeout,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Dispatch queues n for delivery and returns immediately. The delivery
// outlives ctx's cancellation but not the notifier timeout.
func (n *Notifier) Dispatch(ctx context.Context, note domain.Notification) {
	if len(n.categories) > 0 && !n.categories[note.Category] {
		n.logger.DebugContext(ctx, "notification filtered out",
			slog.String("category", string(note.Category)),
		)
		return
	}
	if note.Severity.Rank() < n.minSeverity.Rank() {
		return
	}
	if len(n.senders) == 0 {
		return
	}

	deliverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		n.deliver(deliverCtx, note)
	}()
}

// deliver sends to every sender. A single sender failure does not prevent
// delivery to the remaining senders.
func (n *Notifier) deliver(ctx context.Context, note domain.Notification) {
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			metrics.NotificationsDropped.WithLabelValues(s.Name()).Inc()
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("category", string(note.Category)),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("header", note.Header),
		)
	}
}

// Wait blocks until every queued delivery has finished. Call it on
// shutdown after the schedulers have stopped.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
