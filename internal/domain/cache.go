package domain

import (
	"context"
	"time"
)

// PriceMirror publishes the current collateral price for other processes.
type PriceMirror interface {
	SetPrice(ctx context.Context, asset string, sample PriceSample) error
}

// LockManager provides mutual exclusion keyed by name, possibly across
// processes.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}
