package gateway

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/marketcore/fanout/internal/marketdata"
)

// mockBaseDailyVol/mockTicksPerDay drive a simple GBM tick volatility
// model: an independent per-symbol random walk at a coarse cadence, good
// enough to demo the gateway without a live upstream feed.
const (
	mockBaseDailyVol = 0.02
	mockTicksPerDay  = 86400.0
)

// mockSymbolState tracks one synthetic symbol's GBM price.
type mockSymbolState struct {
	ticker string
	price  float64
	rng    *rand.Rand
}

// MockFeed drives synthetic trade_update/bar_update broadcasts when
// MOCK_REALTIME is set. It must never run alongside a live Fan-out
// Bridge on the same Gateway instance.
type MockFeed struct {
	broadcaster interface {
		Broadcast(event string, payload []byte)
		BroadcastToSymbol(ticker, event string, payload []byte)
	}
	interval time.Duration
	symbols  []*mockSymbolState
	logger   zerolog.Logger
}

// NewMockFeed seeds one GBM walker per symbol at a flat starting price.
func NewMockFeed(broadcaster *Gateway, tickers []string, interval time.Duration, logger zerolog.Logger) *MockFeed {
	symbols := make([]*mockSymbolState, 0, len(tickers))
	for i, t := range tickers {
		symbols = append(symbols, &mockSymbolState{
			ticker: marketdata.NormalizeTicker(t),
			price:  100.0,
			rng:    rand.New(rand.NewSource(int64(i) + 1)),
		})
	}
	return &MockFeed{broadcaster: broadcaster, interval: interval, symbols: symbols, logger: logger}
}

// Run emits one trade + one bar per symbol every interval until ctx is cancelled.
func (m *MockFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, s := range m.symbols {
				m.emit(s, now)
			}
		}
	}
}

func (m *MockFeed) emit(s *mockSymbolState, now time.Time) {
	tickVol := mockBaseDailyVol / math.Sqrt(mockTicksPerDay)
	open := s.price
	logReturn := tickVol * s.rng.NormFloat64()
	s.price *= math.Exp(logReturn)
	if s.price < 0.01 {
		s.price = 0.01
	}
	close := s.price

	size := decimal.NewFromFloat(1 + s.rng.Float64()*99)
	price := decimal.NewFromFloat(close).Round(2)

	trade := marketdata.Trade{
		Type:      marketdata.KindTrade,
		Symbol:    s.ticker,
		Price:     price,
		Size:      size,
		Timestamp: now.UnixMilli(),
	}
	if data, err := json.Marshal(trade); err == nil {
		m.broadcaster.BroadcastToSymbol(s.ticker, "trade_update", data)
	}

	high := math.Max(open, close) * (1 + s.rng.Float64()*0.001)
	low := math.Min(open, close) * (1 - s.rng.Float64()*0.001)

	bar := marketdata.Bar{
		Type:      marketdata.KindBar,
		Symbol:    s.ticker,
		Timeframe: marketdata.DefaultTimeframe,
		Timestamp: now.UnixMilli(),
		Open:      decimal.NewFromFloat(open).Round(2),
		High:      decimal.NewFromFloat(high).Round(2),
		Low:       decimal.NewFromFloat(low).Round(2),
		Close:     price,
		Volume:    size,
	}
	if data, err := json.Marshal(bar); err == nil {
		m.broadcaster.BroadcastToSymbol(s.ticker, "bar_update", data)
	}
}
