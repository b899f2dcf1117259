// Package redis implements the engine's shared-state adapters on go-redis/v9:
// the price mirror, per-position locks and the signal bus.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options configure the shared connection. Prefix namespaces every key the
// adapters write so several engines can share one server; pub/sub channels
// are left as given.
type Options struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLS        bool
	Prefix     string
}

// Client is the connection the adapters in this package share.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Dial connects and pings once.
func Dial(ctx context.Context, o Options) (*Client, error) {
	ro := &redis.Options{
		Addr:       o.Addr,
		Password:   o.Password,
		DB:         o.DB,
		PoolSize:   o.PoolSize,
		MaxRetries: o.MaxRetries,
	}
	if o.TLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(ro)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: dial %s: %w", o.Addr, err)
	}
	return &Client{rdb: rdb, prefix: o.Prefix}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

func namespaced(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
