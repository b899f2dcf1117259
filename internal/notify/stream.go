package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/leverageguard/internal/domain"
)

// StreamSender appends notifications to a durable bus stream so other
// services can consume them at their own pace.
type StreamSender struct {
	bus    domain.SignalBus
	stream string
}

// NewStreamSender creates a StreamSender writing to stream.
func NewStreamSender(bus domain.SignalBus, stream string) *StreamSender {
	return &StreamSender{bus: bus, stream: stream}
}

type streamPayload struct {
	Recipient string            `json:"recipient"`
	Header    string            `json:"header"`
	Detail    string            `json:"detail"`
	Severity  string            `json:"severity"`
	Category  string            `json:"category"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *StreamSender) Send(ctx context.Context, n domain.Notification) error {
	raw, err := json.Marshal(streamPayload{
		Recipient: n.Recipient,
		Header:    n.Header,
		Detail:    n.Detail,
		Severity:  string(n.Severity),
		Category:  string(n.Category),
		Metadata:  n.Metadata,
	})
	if err != nil {
		return fmt.Errorf("stream: marshal notification: %w", err)
	}
	if err := s.bus.StreamAppend(ctx, s.stream, raw); err != nil {
		return fmt.Errorf("stream: append %s: %w", s.stream, err)
	}
	return nil
}

func (s *StreamSender) Name() string { return "stream" }

// LogSender writes notifications to the structured log. It is the fallback
// when no external channel is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With(slog.String("component", "notify_log"))}
}

func (l *LogSender) Send(ctx context.Context, n domain.Notification) error {
	level := slog.LevelInfo
	switch n.Severity {
	case domain.SeverityWarning:
		level = slog.LevelWarn
	case domain.SeverityCritical:
		level = slog.LevelError
	}
	attrs := []slog.Attr{
		slog.String("recipient", n.Recipient),
		slog.String("category", string(n.Category)),
		slog.String("detail", n.Detail),
	}
	for k, v := range n.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	l.logger.LogAttrs(ctx, level, n.Header, attrs...)
	return nil
}

func (l *LogSender) Name() string { return "log" }
