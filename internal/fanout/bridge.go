// Package fanout implements the Fan-out Bridge: it reads the per-stream
// log and drives the Gateway's broadcast surface.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketcore/fanout/internal/marketdata"
	"github.com/marketcore/fanout/internal/metrics"
	"github.com/marketcore/fanout/internal/streamlog"
)

// Broadcaster is the subset of the Gateway's connection registry the
// bridge drives. The bridge and gateway share a binary, so this is a
// direct call, not a network hop.
type Broadcaster interface {
	Broadcast(event string, payload []byte)
	BroadcastToSymbol(ticker, event string, payload []byte)
}

// LogReader is the subset of streamlog.Client the bridge needs.
type LogReader interface {
	ReadPending(ctx context.Context, stream, group, consumer string) ([]streamlog.Entry, error)
	ReadNew(ctx context.Context, stream, group, consumer string, block time.Duration) ([]streamlog.Entry, error)
	Ack(ctx context.Context, stream, group, id string) error
}

// Config configures one bridge loop against one stream.
type Config struct {
	Stream       string
	Group        string
	Consumer     string
	BlockTimeout time.Duration
	Global       bool // also broadcast to every connected client, not just subscribers
	Event        string
}

// Stats counts bridge activity.
type Stats struct {
	mu        sync.RWMutex
	Dispatched int64
	Dropped    int64
	Failed     int64
}

func (s *Stats) incDispatched() { s.mu.Lock(); s.Dispatched++; s.mu.Unlock() }
func (s *Stats) incDropped()    { s.mu.Lock(); s.Dropped++; s.mu.Unlock() }
func (s *Stats) incFailed()     { s.mu.Lock(); s.Failed++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Dispatched: s.Dispatched, Dropped: s.Dropped, Failed: s.Failed}
}

// Bridge drains one per-stream log into the Gateway's broadcast surface.
type Bridge struct {
	cfg         Config
	log         LogReader
	broadcaster Broadcaster
	logger      zerolog.Logger
	stats       Stats
	metrics     *metrics.Gateway
}

// New constructs a Bridge for one stream (trades or bars).
func New(cfg Config, log LogReader, broadcaster Broadcaster, logger zerolog.Logger) *Bridge {
	return &Bridge{cfg: cfg, log: log, broadcaster: broadcaster, logger: logger}
}

// WithMetrics attaches a metrics sink; the bridge runs metrics-free if
// this is never called.
func (b *Bridge) WithMetrics(m *metrics.Gateway) *Bridge {
	b.metrics = m
	return b
}

// Stats returns the bridge's activity counters.
func (b *Bridge) Stats() Stats { return b.stats.Snapshot() }

// Run drains any pending entries left by a previous crash, then blocks
// reading new entries until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	pending, err := b.log.ReadPending(ctx, b.cfg.Stream, b.cfg.Group, b.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("drain pending entries on %s: %w", b.cfg.Stream, err)
	}
	b.dispatchAll(ctx, pending)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := b.log.ReadNew(ctx, b.cfg.Stream, b.cfg.Group, b.cfg.Consumer, b.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn().Err(err).Str("stream", b.cfg.Stream).Msg("fan-out read failed, retrying")
			continue
		}
		b.dispatchAll(ctx, entries)
	}
}

func (b *Bridge) dispatchAll(ctx context.Context, entries []streamlog.Entry) {
	for _, e := range entries {
		if b.dispatch(e) {
			if err := b.log.Ack(ctx, b.cfg.Stream, b.cfg.Group, e.ID); err != nil {
				b.logger.Warn().Err(err).Str("id", e.ID).Msg("failed to ack fanned-out entry")
			}
		}
		// A failed dispatch is left unacked; the next ReadPending on
		// restart (or XREADGROUP "0" re-delivery) retries it.
	}
}

// dispatch parses one entry and drives the broadcast surface. It reports
// whether the entry should be acked: malformed data is dropped and acked;
// a downstream broadcast failure is never acked so it can be retried.
func (b *Bridge) dispatch(e streamlog.Entry) bool {
	data := []byte(e.Data)

	var envelope struct {
		Type   marketdata.Kind `json:"type"`
		Symbol string          `json:"symbol"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		b.logger.Warn().Err(err).Str("id", e.ID).Msg("dropping malformed fan-out entry")
		b.stats.incDropped()
		b.countOutcome("dropped")
		return true
	}

	ticker := marketdata.NormalizeTicker(envelope.Symbol)
	if ticker == "" {
		b.logger.Warn().Str("id", e.ID).Msg("dropping fan-out entry with empty symbol")
		b.stats.incDropped()
		b.countOutcome("dropped")
		return true
	}

	event := b.cfg.Event
	if event == "" {
		event = eventNameFor(envelope.Type)
	}

	ok := b.safeBroadcast(ticker, event, data)
	if !ok {
		b.stats.incFailed()
		b.countOutcome("failed")
		return false
	}

	b.stats.incDispatched()
	b.countOutcome("dispatched")
	return true
}

func (b *Bridge) countOutcome(outcome string) {
	if b.metrics != nil {
		b.metrics.FanoutDispatched.WithLabelValues(b.cfg.Stream, outcome).Inc()
	}
}

func eventNameFor(kind marketdata.Kind) string {
	switch kind {
	case marketdata.KindBar:
		return "bar_update"
	default:
		return "trade_update"
	}
}

func (b *Bridge) safeBroadcast(ticker, event string, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("symbol", ticker).Msg("broadcast panicked")
			ok = false
		}
	}()

	b.broadcaster.BroadcastToSymbol(ticker, event, payload)
	if b.cfg.Global {
		b.broadcaster.Broadcast(event, payload)
	}
	return true
}
