// Package streamlog implements an append-only stream log with
// named-field entries and consumer-group acks, on top of Redis Streams.
package streamlog

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection used as the per-stream log.
type Client struct {
	rdb *redis.Client
}

// Connect dials Redis. addr is host:port; tls enables a TLS connection.
func Connect(addr string, useTLS bool) (*Client, error) {
	opts := &redis.Options{Addr: addr}
	if useTLS {
		opts.TLSConfig = &tls.Config{}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append adds an entry to stream with two named fields: symbol and data
// (a JSON string).
func (c *Client) Append(ctx context.Context, stream, symbol string, data []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"symbol": symbol,
			"data":   string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the tail of the stream if it
// doesn't already exist (mkstream creates the stream too).
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// Entry is one per-stream-log record.
type Entry struct {
	ID     string
	Symbol string
	Data   string
}

func toEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{ID: m.ID}
		if v, ok := m.Values["symbol"].(string); ok {
			e.Symbol = v
		}
		if v, ok := m.Values["data"].(string); ok {
			e.Data = v
		}
		out = append(out, e)
	}
	return out
}

// ReadPending drains this consumer's pending-entries list (entries
// delivered but never acked, e.g. across a crash) before any new reads.
func (c *Client) ReadPending(ctx context.Context, stream, group, consumer string) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    100,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup pending %s: %w", stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toEntries(res[0].Messages), nil
}

// ReadNew blocks up to block waiting for new entries delivered to this
// consumer group. An empty result on timeout is a normal continuation,
// not an error.
func (c *Client) ReadNew(ctx context.Context, stream, group, consumer string, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    50,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup new %s: %w", stream, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return toEntries(res[0].Messages), nil
}

// Ack acknowledges an entry for a consumer group.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s/%s/%s: %w", stream, group, id, err)
	}
	return nil
}
