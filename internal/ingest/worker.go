// Package ingest implements the Ingest Worker: a resilient WebSocket
// client that consumes upstream market data, normalizes it, and publishes
// to the bus.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marketcore/fanout/internal/bus"
	"github.com/marketcore/fanout/internal/marketdata"
	"github.com/marketcore/fanout/internal/metrics"
	"github.com/marketcore/fanout/internal/retry"
)

// Publisher is the subset of bus.Client the worker needs, narrowed for
// testability.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Dialer opens the upstream connection; swappable in tests.
type Dialer interface {
	Dial(url string) (Conn, error)
}

// Conn is the subset of *websocket.Conn the worker uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config configures the worker.
type Config struct {
	URL            string
	Key            string
	Secret         string
	Symbols        []string
	IdleTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Worker maintains the upstream connection and forwards normalized
// trade/bar frames to the bus.
type Worker struct {
	cfg       Config
	dialer    Dialer
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Ingest
}

// New constructs a Worker using the real gorilla/websocket dialer.
func New(cfg Config, publisher Publisher, logger zerolog.Logger) *Worker {
	return &Worker{cfg: cfg, dialer: gorillaDialer{}, publisher: publisher, logger: logger}
}

// WithDialer overrides the dialer, used in tests.
func (w *Worker) WithDialer(d Dialer) *Worker {
	w.dialer = d
	return w
}

// WithMetrics attaches a metrics sink; the worker runs metrics-free if
// this is never called.
func (w *Worker) WithMetrics(m *metrics.Ingest) *Worker {
	w.metrics = m
	return w
}

// FatalAuthError marks a connection failure as unrecoverable: the worker
// propagates it instead of retrying.
type FatalAuthError struct{ Err error }

func (e *FatalAuthError) Error() string { return fmt.Sprintf("fatal auth error: %v", e.Err) }
func (e *FatalAuthError) Unwrap() error { return e.Err }

// Run blocks, reconnecting with exponential backoff until ctx is
// cancelled or a fatal error occurs.
func (w *Worker) Run(ctx context.Context) error {
	backoff := retry.NewBackoff(w.cfg.BackoffInitial, w.cfg.BackoffMax, 2)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := w.connectAndConsume(ctx)
		if err == nil {
			return nil // ctx cancelled cleanly
		}

		var fatal *FatalAuthError
		if asFatal(err, &fatal) {
			w.logger.Error().Err(err).Msg("fatal upstream auth failure, not retrying")
			return err
		}

		delay := backoff.Next()
		w.logger.Warn().Err(err).Dur("retry_in", delay).Msg("upstream connection lost, reconnecting")
		if w.metrics != nil {
			w.metrics.Reconnects.Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func asFatal(err error, target **FatalAuthError) bool {
	for err != nil {
		if f, ok := err.(*FatalAuthError); ok {
			*target = f
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (w *Worker) connectAndConsume(ctx context.Context) error {
	conn, err := w.dialer.Dial(w.cfg.URL)
	if err != nil {
		if isAuthFailure(err) {
			return &FatalAuthError{Err: err}
		}
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer conn.Close()

	if err := w.subscribe(conn); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.IdleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read upstream: %w", err)
		}
		w.handle(msg)
	}
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "403")
}

func (w *Worker) subscribe(conn Conn) error {
	if len(w.cfg.Symbols) == 0 {
		return nil
	}
	req := map[string]interface{}{
		"op":     "subscribe",
		"key":    w.cfg.Key,
		"secret": w.cfg.Secret,
		"args":   w.cfg.Symbols,
	}
	return conn.WriteJSON(req)
}

// rawFrame is the upstream wire shape before normalization.
type rawFrame struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp string          `json:"timestamp"` // ISO-8601

	Timeframe  string          `json:"timeframe"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	VWAP       decimal.Decimal `json:"vwap"`
}

// handle normalizes a raw upstream frame and publishes it to the bus.
// Control frames are acknowledged (no-op) and otherwise ignored; unknown
// kinds are logged and dropped.
func (w *Worker) handle(raw []byte) {
	if w.metrics != nil {
		w.metrics.FramesReceived.Inc()
	}

	var f rawFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		w.logger.Warn().Err(err).Msg("dropping unparseable upstream frame")
		w.dropFrame("unparseable")
		return
	}

	switch marketdata.Kind(f.Type) {
	case marketdata.KindTrade:
		w.publishTrade(f)
	case marketdata.KindBar:
		w.publishBar(f)
	case marketdata.KindControl:
		// Acknowledged implicitly; no action required.
	default:
		w.logger.Warn().Str("type", f.Type).Msg("dropping unknown upstream frame kind")
		w.dropFrame("unknown_kind")
	}
}

func (w *Worker) dropFrame(reason string) {
	if w.metrics != nil {
		w.metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func parseTimestamp(iso string) (int64, error) {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", iso, err)
	}
	return t.UnixMilli(), nil
}

func (w *Worker) publishTrade(f rawFrame) {
	ts, err := parseTimestamp(f.Timestamp)
	if err != nil {
		w.logger.Warn().Err(err).Msg("dropping trade with unparseable timestamp")
		w.dropFrame("bad_timestamp")
		return
	}

	ticker := marketdata.NormalizeTicker(f.Symbol)
	trade := marketdata.Trade{
		Type:      marketdata.KindTrade,
		Symbol:    ticker,
		Price:     f.Price,
		Size:      f.Size,
		Timestamp: ts,
	}

	data, err := json.Marshal(trade)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal trade")
		w.dropFrame("marshal_error")
		return
	}

	if err := w.publisher.Publish(bus.TradeSubject(ticker), data); err != nil {
		// Fire-and-forget: log and drop, never block the read loop.
		w.logger.Error().Err(err).Str("symbol", ticker).Msg("failed to publish trade")
		w.dropFrame("publish_error")
		return
	}
	if w.metrics != nil {
		w.metrics.FramesPublished.Inc()
	}
}

func (w *Worker) publishBar(f rawFrame) {
	ts, err := parseTimestamp(f.Timestamp)
	if err != nil {
		w.logger.Warn().Err(err).Msg("dropping bar with unparseable timestamp")
		w.dropFrame("bad_timestamp")
		return
	}

	timeframe := f.Timeframe
	if timeframe == "" {
		timeframe = marketdata.DefaultTimeframe
	}

	ticker := marketdata.NormalizeTicker(f.Symbol)
	bar := marketdata.Bar{
		Type:       marketdata.KindBar,
		Symbol:     ticker,
		Timeframe:  timeframe,
		Timestamp:  ts,
		Open:       f.Open,
		High:       f.High,
		Low:        f.Low,
		Close:      f.Close,
		Volume:     f.Volume,
		TradeCount: f.TradeCount,
		VWAP:       f.VWAP,
	}

	data, err := json.Marshal(bar)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to marshal bar")
		w.dropFrame("marshal_error")
		return
	}

	if err := w.publisher.Publish(bus.BarSubject(ticker), data); err != nil {
		w.logger.Error().Err(err).Str("symbol", ticker).Msg("failed to publish bar")
		w.dropFrame("publish_error")
		return
	}
	if w.metrics != nil {
		w.metrics.FramesPublished.Inc()
	}
}
