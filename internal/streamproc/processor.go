// Package streamproc consumes the bus, persists trades and bars
// idempotently in batches, and republishes committed records to the
// per-stream log.
package streamproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marketcore/fanout/internal/marketdata"
	"github.com/marketcore/fanout/internal/metrics"
	"github.com/marketcore/fanout/internal/retry"
	"github.com/marketcore/fanout/internal/storage"
)

// BusMessage is one delivery from the bus: the raw payload plus an Ack
// the processor calls only after a successful flush.
type BusMessage struct {
	Data       []byte
	ReceivedAt time.Time
	Ack        func() error
}

// Fetcher pulls a batch of messages from one bus subject, blocking up to
// maxWait. An empty, error-free result is a normal continuation.
type Fetcher interface {
	Fetch(ctx context.Context, maxBatch int, maxWait time.Duration) ([]BusMessage, error)
}

// SymbolStore resolves tickers to symbol ids and reseeds running volume.
// LastVolume also returns the timestamp of the row the volume was seeded
// from, so the processor can tell a late-arriving trade (one older than
// the seed row) from one that advances the running total.
type SymbolStore interface {
	GetOrCreateSymbol(ctx context.Context, ticker string) (int64, error)
	LastVolume(ctx context.Context, symbolID int64) (decimal.Decimal, time.Time, error)
}

// TradeStore persists a batch of resolved trades.
type TradeStore interface {
	InsertTradesBatch(ctx context.Context, rows []storage.TradeRow) (int64, error)
}

// BarStore persists a batch of resolved bars.
type BarStore interface {
	InsertBarsBatch(ctx context.Context, rows []storage.BarRow) (int64, error)
}

// StreamLog appends a committed record to the per-stream log.
type StreamLog interface {
	Append(ctx context.Context, stream, symbol string, data []byte) (string, error)
}

// Config configures the batching policy.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	DegradedAfter  int // consecutive failed flushes before surfacing health-degraded
}

// TradeProcessor runs the trades consumer loop.
type TradeProcessor struct {
	cfg       Config
	fetcher   Fetcher
	symbols   SymbolStore
	trades    TradeStore
	log       StreamLog
	logStream string
	logger    zerolog.Logger

	volMu       sync.Mutex
	runningVol  map[int64]decimal.Decimal // symbol_id -> running sum
	seededSym   map[int64]bool
	seededAt    map[int64]time.Time // symbol_id -> timestamp of the seed row

	consecutiveFailures int
	metrics             *metrics.StreamProc
}

// WithMetrics attaches a metrics sink; the processor runs metrics-free if
// this is never called.
func (p *TradeProcessor) WithMetrics(m *metrics.StreamProc) *TradeProcessor {
	p.metrics = m
	return p
}

// NewTradeProcessor constructs a trades batching loop.
func NewTradeProcessor(cfg Config, fetcher Fetcher, symbols SymbolStore, trades TradeStore, log StreamLog, logStream string, logger zerolog.Logger) *TradeProcessor {
	return &TradeProcessor{
		cfg:        cfg,
		fetcher:    fetcher,
		symbols:    symbols,
		trades:     trades,
		log:        log,
		logStream:  logStream,
		logger:     logger,
		runningVol: make(map[int64]decimal.Decimal),
		seededSym:  make(map[int64]bool),
		seededAt:   make(map[int64]time.Time),
	}
}

// Degraded reports whether the processor has exceeded its consecutive
// flush-failure threshold. The batch is never dropped while degraded;
// Degraded only gates the health signal surfaced to operators.
func (p *TradeProcessor) Degraded() bool {
	return p.consecutiveFailures >= p.cfg.DegradedAfter
}

// Run blocks, accumulating and flushing batches until ctx is cancelled.
func (p *TradeProcessor) Run(ctx context.Context) error {
	var buffer []BusMessage
	var oldest time.Time
	backoff := retry.NewBackoff(p.cfg.RetryInitial, p.cfg.RetryMax, 2)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		remaining := p.cfg.BatchSize - len(buffer)
		wait := p.cfg.FlushInterval
		if !oldest.IsZero() {
			elapsed := time.Since(oldest)
			if elapsed >= p.cfg.FlushInterval {
				wait = 0
			} else {
				wait = p.cfg.FlushInterval - elapsed
			}
		}

		msgs, err := p.fetcher.Fetch(ctx, remaining, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("trades bus fetch failed, retrying")
			continue
		}

		for _, m := range msgs {
			if oldest.IsZero() {
				oldest = m.ReceivedAt
			}
			buffer = append(buffer, m)
		}

		shouldFlush := len(buffer) >= p.cfg.BatchSize ||
			(len(buffer) > 0 && !oldest.IsZero() && time.Since(oldest) >= p.cfg.FlushInterval)

		if !shouldFlush {
			continue
		}

		start := time.Now()
		err = p.flush(ctx, buffer)
		if p.metrics != nil {
			p.metrics.FlushDuration.WithLabelValues(p.logStream).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			p.consecutiveFailures++
			if p.metrics != nil {
				p.metrics.FlushFailures.WithLabelValues(p.logStream).Inc()
			}
			if p.Degraded() {
				p.logger.Error().Err(err).Int("consecutive_failures", p.consecutiveFailures).
					Msg("trades stream processor health degraded")
			}
			if p.metrics != nil {
				p.metrics.Degraded.WithLabelValues(p.logStream).Set(boolToFloat(p.Degraded()))
			}
			delay := backoff.Next()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue // do not clear buffer; retry the whole flush
		}

		if p.metrics != nil {
			p.metrics.BatchesFlushed.WithLabelValues(p.logStream).Inc()
			p.metrics.Degraded.WithLabelValues(p.logStream).Set(0)
		}
		backoff.Reset()
		p.consecutiveFailures = 0
		buffer = nil
		oldest = time.Time{}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// tradeRow pairs a persisted row with the ticker and republish
// eligibility it was derived from, so the log-republish step never has
// to realign two independently filtered slices by index.
type tradeRow struct {
	row       storage.TradeRow
	ticker    string
	republish bool
}

// flush unmarshals, orders, dedupes, and persists one batch of trades,
// then republishes every row eligible for replication to the per-stream
// log, acking the batch only once all of that has succeeded.
func (p *TradeProcessor) flush(ctx context.Context, msgs []BusMessage) error {
	trades := make([]marketdata.Trade, 0, len(msgs))
	for _, m := range msgs {
		var t marketdata.Trade
		if err := json.Unmarshal(m.Data, &t); err != nil {
			p.logger.Warn().Err(err).Msg("dropping malformed trade message")
			continue
		}
		trades = append(trades, t)
	}

	// Order by (timestamp ASC, insertion order ASC).
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp < trades[j].Timestamp })

	pending := make([]tradeRow, 0, len(trades))
	dedupe := make(map[string]bool, len(trades))

	for _, t := range trades {
		ticker := marketdata.NormalizeTicker(t.Symbol)
		symbolID, err := p.symbols.GetOrCreateSymbol(ctx, ticker)
		if err != nil {
			return fmt.Errorf("resolve symbol %s: %w", ticker, err)
		}

		if !p.seededSym[symbolID] {
			last, seedTS, err := p.symbols.LastVolume(ctx, symbolID)
			if err != nil {
				return fmt.Errorf("seed running volume for symbol %d: %w", symbolID, err)
			}
			p.volMu.Lock()
			p.runningVol[symbolID] = last
			p.volMu.Unlock()
			p.seededSym[symbolID] = true
			p.seededAt[symbolID] = seedTS
		}

		key := t.IdempotencyKey(symbolID)
		if dedupe[key] {
			continue // duplicate within this batch; DB conflict-ignore would also catch it
		}
		dedupe[key] = true

		// A trade older than the seed row is late: it is still persisted
		// (for completeness of the record) but skipped from republication
		// since a WebSocket client may already have seen a newer point.
		tradeTS := time.UnixMilli(t.Timestamp)
		late := !p.seededAt[symbolID].IsZero() && tradeTS.Before(p.seededAt[symbolID])

		p.volMu.Lock()
		running := p.runningVol[symbolID].Add(t.Size)
		p.runningVol[symbolID] = running
		p.volMu.Unlock()

		pending = append(pending, tradeRow{
			row: storage.TradeRow{
				SymbolID:  symbolID,
				Timestamp: tradeTS,
				Price:     t.Price,
				Size:      t.Size,
				Volume:    running,
			},
			ticker:    ticker,
			republish: !late,
		})
	}

	rows := make([]storage.TradeRow, len(pending))
	for i, p := range pending {
		rows[i] = p.row
	}

	n, err := p.trades.InsertTradesBatch(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert trades: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RowsInserted.WithLabelValues(p.logStream).Add(float64(n))
	}

	for _, tr := range pending {
		if !tr.republish {
			continue
		}
		payload := marketdata.Trade{
			Type:      marketdata.KindTrade,
			Symbol:    tr.ticker,
			Price:     tr.row.Price,
			Size:      tr.row.Size,
			Timestamp: tr.row.Timestamp.UnixMilli(),
			Volume:    tr.row.Volume,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal trade for log: %w", err)
		}
		if _, err := p.log.Append(ctx, p.logStream, tr.ticker, data); err != nil {
			return fmt.Errorf("append trade to stream log: %w", err)
		}
	}

	for _, m := range msgs {
		if m.Ack != nil {
			if err := m.Ack(); err != nil {
				return fmt.Errorf("ack bus message: %w", err)
			}
		}
	}

	return nil
}

// BarProcessor runs the bars consumer loop.
type BarProcessor struct {
	cfg       Config
	fetcher   Fetcher
	symbols   SymbolStore
	bars      BarStore
	log       StreamLog
	logStream string
	logger    zerolog.Logger

	consecutiveFailures int
	metrics             *metrics.StreamProc
}

// NewBarProcessor constructs a bars batching loop.
func NewBarProcessor(cfg Config, fetcher Fetcher, symbols SymbolStore, bars BarStore, log StreamLog, logStream string, logger zerolog.Logger) *BarProcessor {
	return &BarProcessor{cfg: cfg, fetcher: fetcher, symbols: symbols, bars: bars, log: log, logStream: logStream, logger: logger}
}

// WithMetrics attaches a metrics sink; the processor runs metrics-free if
// this is never called.
func (p *BarProcessor) WithMetrics(m *metrics.StreamProc) *BarProcessor {
	p.metrics = m
	return p
}

// Degraded mirrors TradeProcessor.Degraded.
func (p *BarProcessor) Degraded() bool { return p.consecutiveFailures >= p.cfg.DegradedAfter }

// Run blocks, accumulating and flushing bar batches until ctx is cancelled.
func (p *BarProcessor) Run(ctx context.Context) error {
	var buffer []BusMessage
	var oldest time.Time
	backoff := retry.NewBackoff(p.cfg.RetryInitial, p.cfg.RetryMax, 2)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		remaining := p.cfg.BatchSize - len(buffer)
		wait := p.cfg.FlushInterval
		if !oldest.IsZero() {
			elapsed := time.Since(oldest)
			if elapsed >= p.cfg.FlushInterval {
				wait = 0
			} else {
				wait = p.cfg.FlushInterval - elapsed
			}
		}

		msgs, err := p.fetcher.Fetch(ctx, remaining, wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Msg("bars bus fetch failed, retrying")
			continue
		}

		for _, m := range msgs {
			if oldest.IsZero() {
				oldest = m.ReceivedAt
			}
			buffer = append(buffer, m)
		}

		shouldFlush := len(buffer) >= p.cfg.BatchSize ||
			(len(buffer) > 0 && !oldest.IsZero() && time.Since(oldest) >= p.cfg.FlushInterval)

		if !shouldFlush {
			continue
		}

		start := time.Now()
		err = p.flush(ctx, buffer)
		if p.metrics != nil {
			p.metrics.FlushDuration.WithLabelValues(p.logStream).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			p.consecutiveFailures++
			if p.metrics != nil {
				p.metrics.FlushFailures.WithLabelValues(p.logStream).Inc()
			}
			if p.Degraded() {
				p.logger.Error().Err(err).Int("consecutive_failures", p.consecutiveFailures).
					Msg("bars stream processor health degraded")
			}
			if p.metrics != nil {
				p.metrics.Degraded.WithLabelValues(p.logStream).Set(boolToFloat(p.Degraded()))
			}
			delay := backoff.Next()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if p.metrics != nil {
			p.metrics.BatchesFlushed.WithLabelValues(p.logStream).Inc()
			p.metrics.Degraded.WithLabelValues(p.logStream).Set(0)
		}
		backoff.Reset()
		p.consecutiveFailures = 0
		buffer = nil
		oldest = time.Time{}
	}
}

func (p *BarProcessor) flush(ctx context.Context, msgs []BusMessage) error {
	type pending struct {
		bar marketdata.Bar
		ack func() error
	}

	valid := make([]pending, 0, len(msgs))
	rows := make([]storage.BarRow, 0, len(msgs))

	for _, m := range msgs {
		var b marketdata.Bar
		if err := json.Unmarshal(m.Data, &b); err != nil {
			p.logger.Warn().Err(err).Msg("dropping malformed bar message")
			if m.Ack != nil {
				_ = m.Ack()
			}
			continue
		}

		if !b.ValidOHLC() {
			// Dropped and logged, not persisted; the offset is still
			// committed so a single bad bar never wedges the consumer.
			p.logger.Warn().Str("symbol", b.Symbol).Msg("dropping bar failing OHLC invariant")
			if p.metrics != nil {
				p.metrics.BarsInvalid.Inc()
			}
			if m.Ack != nil {
				_ = m.Ack()
			}
			continue
		}

		ticker := marketdata.NormalizeTicker(b.Symbol)
		symbolID, err := p.symbols.GetOrCreateSymbol(ctx, ticker)
		if err != nil {
			return fmt.Errorf("resolve symbol %s: %w", ticker, err)
		}

		timeframe := b.Timeframe
		if timeframe == "" {
			timeframe = marketdata.DefaultTimeframe
		}

		rows = append(rows, storage.BarRow{
			SymbolID:   symbolID,
			Timeframe:  timeframe,
			Timestamp:  time.UnixMilli(b.Timestamp),
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     b.Volume,
			TradeCount: b.TradeCount,
			VWAP:       b.VWAP,
		})
		valid = append(valid, pending{bar: b, ack: m.Ack})
	}

	n, err := p.bars.InsertBarsBatch(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert bars: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RowsInserted.WithLabelValues(p.logStream).Add(float64(n))
	}

	for _, v := range valid {
		data, err := json.Marshal(v.bar)
		if err != nil {
			return fmt.Errorf("marshal bar for log: %w", err)
		}
		if _, err := p.log.Append(ctx, p.logStream, marketdata.NormalizeTicker(v.bar.Symbol), data); err != nil {
			return fmt.Errorf("append bar to stream log: %w", err)
		}
	}

	for _, v := range valid {
		if v.ack != nil {
			if err := v.ack(); err != nil {
				return fmt.Errorf("ack bus message: %w", err)
			}
		}
	}

	return nil
}
