// Package marketdata defines the wire and storage shapes shared by every
// stage of the pipeline: trades and bars normalized by the ingest worker,
// persisted by the stream processor, and fanned out to gateway clients.
package marketdata

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind discriminates the two realtime payload types the pipeline carries.
type Kind string

const (
	KindTrade   Kind = "trade"
	KindBar     Kind = "bar"
	KindControl Kind = "control"
)

// DefaultTimeframe is the bar aggregation window used when upstream omits one.
const DefaultTimeframe = "1m"

// Symbol is the lookup-table row for a ticker. Created lazily by the
// stream processor on first observation; never mutated or deleted by the
// core.
type Symbol struct {
	ID       int64
	Ticker   string
	Name     string
	Exchange string
}

// NormalizeTicker upper-cases a raw ticker string, the canonical form
// used everywhere a symbol is keyed: bus subject, room name, and the
// symbols table's unique constraint.
func NormalizeTicker(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Trade is an append-only per-symbol trade observation.
type Trade struct {
	Type      Kind            `json:"type"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"` // epoch millis, monotonic per symbol
	Volume    decimal.Decimal `json:"volume"`     // running per-symbol sum
}

// IdempotencyKey returns the tuple the store's unique constraint enforces.
func (t Trade) IdempotencyKey(symbolID int64) string {
	return fmt.Sprintf("%d|%d|%s|%s", symbolID, t.Timestamp, t.Price.String(), t.Size.String())
}

// Bar is an append-only OHLC observation for a timeframe.
type Bar struct {
	Type       Kind            `json:"type"`
	Symbol     string          `json:"symbol"`
	Timeframe  string          `json:"timeframe"`
	Timestamp  int64           `json:"timestamp"` // bar close time, epoch millis
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	TradeCount int64           `json:"trade_count"`
	VWAP       decimal.Decimal `json:"vwap"`
}

// ValidOHLC reports whether the bar satisfies low <= min(o,c) <= max(o,c) <= high.
func (b Bar) ValidOHLC() bool {
	minOC := b.Open
	maxOC := b.Open
	if b.Close.LessThan(minOC) {
		minOC = b.Close
	}
	if b.Close.GreaterThan(maxOC) {
		maxOC = b.Close
	}
	if b.Low.GreaterThan(minOC) {
		return false
	}
	if maxOC.GreaterThan(b.High) {
		return false
	}
	if b.Volume.IsNegative() || b.TradeCount < 0 {
		return false
	}
	return true
}
