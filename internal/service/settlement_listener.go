package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// DefaultSettlementChannel is where settlement instructions are published.
const DefaultSettlementChannel = "settlements"

type settlementMessage struct {
	PositionID  string `json:"position_id"`
	GrossAmount string `json:"gross_amount"`
	Reference   string `json:"reference"`
}

// DecodeSettlementEvent parses a settlement instruction of the form
// {"position_id": "7", "gross_amount": "120000.50", "reference": "wire-1"}.
func DecodeSettlementEvent(raw []byte) (domain.SettlementEvent, error) {
	var msg settlementMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("settlement message: %w", err)
	}
	msg.PositionID = strings.TrimSpace(msg.PositionID)
	if msg.PositionID == "" {
		return domain.SettlementEvent{}, errors.New("settlement message: missing position_id")
	}
	gross, err := fixed.Parse(strings.TrimSpace(msg.GrossAmount), fixed.StableScale)
	if err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("settlement message: gross_amount: %w", err)
	}
	if gross.Sign() < 0 {
		return domain.SettlementEvent{}, fmt.Errorf("settlement message: gross_amount %s: %w", gross, domain.ErrInvalidAmount)
	}
	return domain.SettlementEvent{
		PositionID:  msg.PositionID,
		GrossAmount: gross,
		ExternalRef: msg.Reference,
	}, nil
}

// SettlementListener feeds settlement instructions from the signal bus to
// the Settler.
type SettlementListener struct {
	bus     domain.SignalBus
	channel string
	settler *Settler
	logger  *slog.Logger
}

// NewSettlementListener creates a listener on channel.
func NewSettlementListener(bus domain.SignalBus, channel string, settler *Settler, logger *slog.Logger) *SettlementListener {
	if channel == "" {
		channel = DefaultSettlementChannel
	}
	return &SettlementListener{
		bus:     bus,
		channel: channel,
		settler: settler,
		logger:  logger.With(slog.String("component", "settlement_listener")),
	}
}

// Run consumes messages until ctx is cancelled or the subscription closes.
func (l *SettlementListener) Run(ctx context.Context) error {
	msgs, err := l.bus.Subscribe(ctx, l.channel)
	if err != nil {
		return fmt.Errorf("settlement_listener: subscribe %s: %w", l.channel, err)
	}
	l.logger.InfoContext(ctx, "listening for settlements", slog.String("channel", l.channel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("settlement_listener: subscription to %s closed", l.channel)
			}
			l.Handle(ctx, raw)
		}
	}
}

// Handle settles one raw message. A settlement that has started is finished
// even if ctx is cancelled meanwhile.
func (l *SettlementListener) Handle(ctx context.Context, raw []byte) {
	ev, err := DecodeSettlementEvent(raw)
	if err != nil {
		l.logger.WarnContext(ctx, "dropping malformed settlement message",
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := l.settler.Settle(context.WithoutCancel(ctx), ev); err != nil {
		level := slog.LevelError
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			level = slog.LevelWarn
		}
		l.logger.Log(ctx, level, "settlement failed",
			slog.String("position_id", ev.PositionID),
			slog.String("reference", ev.ExternalRef),
			slog.String("error", err.Error()),
		)
	}
}
