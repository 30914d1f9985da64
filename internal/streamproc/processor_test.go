package streamproc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/fanout/internal/marketdata"
	"github.com/marketcore/fanout/internal/storage"
)

// fakeFetcher yields one pre-seeded batch, then blocks (by waiting out
// maxWait) returning nothing, so Run's loop can be stopped with ctx.
type fakeFetcher struct {
	batches [][]BusMessage
	idx     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, maxBatch int, maxWait time.Duration) ([]BusMessage, error) {
	if f.idx < len(f.batches) {
		b := f.batches[f.idx]
		f.idx++
		return b, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(maxWait):
		return nil, nil
	}
}

type fakeSymbols struct {
	ids       map[string]int64
	next      int64
	lastVol   map[int64]decimal.Decimal
	lastTS    map[int64]time.Time
	lastCalls int
}

func newFakeSymbols() *fakeSymbols {
	return &fakeSymbols{
		ids:     make(map[string]int64),
		lastVol: make(map[int64]decimal.Decimal),
		lastTS:  make(map[int64]time.Time),
	}
}

func (f *fakeSymbols) GetOrCreateSymbol(ctx context.Context, ticker string) (int64, error) {
	if id, ok := f.ids[ticker]; ok {
		return id, nil
	}
	f.next++
	f.ids[ticker] = f.next
	return f.next, nil
}

func (f *fakeSymbols) LastVolume(ctx context.Context, symbolID int64) (decimal.Decimal, time.Time, error) {
	f.lastCalls++
	return f.lastVol[symbolID], f.lastTS[symbolID], nil
}

type fakeTradeStore struct {
	inserted []storage.TradeRow
}

func (f *fakeTradeStore) InsertTradesBatch(ctx context.Context, rows []storage.TradeRow) (int64, error) {
	f.inserted = append(f.inserted, rows...)
	return int64(len(rows)), nil
}

type fakeBarStore struct {
	inserted []storage.BarRow
}

func (f *fakeBarStore) InsertBarsBatch(ctx context.Context, rows []storage.BarRow) (int64, error) {
	f.inserted = append(f.inserted, rows...)
	return int64(len(rows)), nil
}

type fakeStreamLog struct {
	appended     []string // symbol per append call
	appendedData [][]byte
}

func (f *fakeStreamLog) Append(ctx context.Context, stream, symbol string, data []byte) (string, error) {
	f.appended = append(f.appended, symbol)
	f.appendedData = append(f.appendedData, data)
	return "0-1", nil
}

func tradeMsg(t *testing.T, symbol string, price, size string, ts int64, acked *bool) BusMessage {
	t.Helper()
	trade := marketdata.Trade{
		Type:      marketdata.KindTrade,
		Symbol:    symbol,
		Price:     decimal.RequireFromString(price),
		Size:      decimal.RequireFromString(size),
		Timestamp: ts,
	}
	data, err := json.Marshal(trade)
	require.NoError(t, err)
	return BusMessage{
		Data:       data,
		ReceivedAt: time.Now(),
		Ack:        func() error { *acked = true; return nil },
	}
}

func TestTradeFlushComputesRunningVolumeInOrder(t *testing.T) {
	symbols := newFakeSymbols()
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	p := NewTradeProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	var ack1, ack2 bool
	msgs := []BusMessage{
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ack1),
		tradeMsg(t, "aapl", "151.00", "5", 2000, &ack2),
	}

	err := p.flush(context.Background(), msgs)
	require.NoError(t, err)

	require.Len(t, trades.inserted, 2)
	assert.True(t, trades.inserted[0].Volume.Equal(decimal.RequireFromString("10")))
	assert.True(t, trades.inserted[1].Volume.Equal(decimal.RequireFromString("15")))
	assert.True(t, ack1)
	assert.True(t, ack2)
	assert.Len(t, log.appended, 2)
}

func TestTradeFlushSeedsRunningVolumeFromLastVolumeOnce(t *testing.T) {
	symbols := newFakeSymbols()
	symbols.ids["AAPL"] = 7
	symbols.lastVol[7] = decimal.RequireFromString("1000")
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	p := NewTradeProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	var ack1, ack2 bool
	msgs := []BusMessage{
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ack1),
		tradeMsg(t, "aapl", "151.00", "5", 2000, &ack2),
	}

	require.NoError(t, p.flush(context.Background(), msgs))
	require.Equal(t, 1, symbols.lastCalls) // seeded once, not per-trade

	assert.True(t, trades.inserted[0].Volume.Equal(decimal.RequireFromString("1010")))
	assert.True(t, trades.inserted[1].Volume.Equal(decimal.RequireFromString("1015")))
}

func TestTradeFlushDedupesWithinBatch(t *testing.T) {
	symbols := newFakeSymbols()
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	p := NewTradeProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	var ack1, ack2 bool
	dup := []BusMessage{
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ack1),
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ack2), // exact duplicate
	}

	require.NoError(t, p.flush(context.Background(), dup))
	require.Len(t, trades.inserted, 1)
}

func TestTradeFlushDedupeMidBatchKeepsLogEntriesAligned(t *testing.T) {
	symbols := newFakeSymbols()
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	p := NewTradeProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	var ackA, ackB, ackC bool
	msgs := []BusMessage{
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ackA),
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ackB), // exact duplicate of A, not last in batch
		tradeMsg(t, "aapl", "160.00", "20", 2000, &ackC),
	}

	require.NoError(t, p.flush(context.Background(), msgs))

	require.Len(t, trades.inserted, 2)
	require.Len(t, log.appended, 2)

	var second marketdata.Trade
	require.NoError(t, json.Unmarshal(log.appendedData[1], &second))
	assert.True(t, second.Price.Equal(decimal.RequireFromString("160.00")))
	assert.Equal(t, int64(2000), second.Timestamp)
}

func TestTradeFlushSkipsRepublishForLateTrade(t *testing.T) {
	symbols := newFakeSymbols()
	symbols.ids["AAPL"] = 9
	symbols.lastTS[9] = time.UnixMilli(5000)
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	p := NewTradeProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	var ackLate, ackFresh bool
	msgs := []BusMessage{
		tradeMsg(t, "aapl", "150.00", "10", 1000, &ackLate),  // older than the seed row
		tradeMsg(t, "aapl", "151.00", "5", 9000, &ackFresh), // newer than the seed row
	}

	require.NoError(t, p.flush(context.Background(), msgs))

	require.Len(t, trades.inserted, 2) // both persisted
	require.Len(t, log.appended, 1)    // only the fresh one republished
	var republished marketdata.Trade
	require.NoError(t, json.Unmarshal(log.appendedData[0], &republished))
	assert.Equal(t, int64(9000), republished.Timestamp)
	assert.True(t, ackLate)
	assert.True(t, ackFresh)
}

func TestTradeProcessorRunFlushesOnBatchSizeThenStopsOnCancel(t *testing.T) {
	symbols := newFakeSymbols()
	trades := &fakeTradeStore{}
	log := &fakeStreamLog{}

	var ack1, ack2 bool
	fetcher := &fakeFetcher{batches: [][]BusMessage{
		{
			tradeMsg(t, "aapl", "150.00", "10", 1000, &ack1),
			tradeMsg(t, "msft", "300.00", "3", 1000, &ack2),
		},
	}}

	p := NewTradeProcessor(Config{BatchSize: 2, FlushInterval: time.Hour, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		fetcher, symbols, trades, log, "market:realtime:trades", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.Error(t, err)
	assert.Len(t, trades.inserted, 2)
	assert.True(t, ack1)
	assert.True(t, ack2)
	assert.False(t, p.Degraded())
}

func barMsg(t *testing.T, symbol string, open, high, low, close, volume string, ts int64, acked *bool) BusMessage {
	t.Helper()
	bar := marketdata.Bar{
		Type:      marketdata.KindBar,
		Symbol:    symbol,
		Timeframe: "1m",
		Timestamp: ts,
		Open:      decimal.RequireFromString(open),
		High:      decimal.RequireFromString(high),
		Low:       decimal.RequireFromString(low),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.RequireFromString(volume),
	}
	data, err := json.Marshal(bar)
	require.NoError(t, err)
	return BusMessage{
		Data:       data,
		ReceivedAt: time.Now(),
		Ack:        func() error { *acked = true; return nil },
	}
}

func TestBarFlushPersistsValidBarsAndDropsInvalidOnes(t *testing.T) {
	symbols := newFakeSymbols()
	bars := &fakeBarStore{}
	log := &fakeStreamLog{}

	p := NewBarProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, bars, log, "market:realtime:bars", zerolog.Nop())

	var ackValid, ackInvalid bool
	msgs := []BusMessage{
		barMsg(t, "AAPL", "150", "155", "149", "152", "1000", 60000, &ackValid),
		// high below max(open,close): invariant violated
		barMsg(t, "AAPL", "150", "151", "149", "152", "1000", 120000, &ackInvalid),
	}

	require.NoError(t, p.flush(context.Background(), msgs))

	require.Len(t, bars.inserted, 1)
	assert.Equal(t, int64(60000), bars.inserted[0].Timestamp.UnixMilli())
	assert.True(t, ackValid)
	assert.True(t, ackInvalid) // invalid bar still acked, never retried
	assert.Len(t, log.appended, 1)
}

func TestBarFlushDropsMalformedPayload(t *testing.T) {
	symbols := newFakeSymbols()
	bars := &fakeBarStore{}
	log := &fakeStreamLog{}

	p := NewBarProcessor(Config{BatchSize: 10, FlushInterval: time.Second, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 5},
		&fakeFetcher{}, symbols, bars, log, "market:realtime:bars", zerolog.Nop())

	acked := false
	msgs := []BusMessage{{Data: []byte("not json"), ReceivedAt: time.Now(), Ack: func() error { acked = true; return nil }}}

	require.NoError(t, p.flush(context.Background(), msgs))
	assert.Empty(t, bars.inserted)
	assert.True(t, acked)
}

func TestProcessorDegradedAfterConsecutiveFailures(t *testing.T) {
	symbols := newFakeSymbols()
	log := &fakeStreamLog{}
	failing := &alwaysFailTradeStore{}

	var ack bool
	fetcher := &fakeFetcher{batches: [][]BusMessage{
		{tradeMsg(t, "aapl", "150", "1", 1000, &ack)},
	}}

	p := NewTradeProcessor(Config{BatchSize: 1, FlushInterval: time.Hour, RetryInitial: time.Millisecond, RetryMax: time.Millisecond, DegradedAfter: 1},
		fetcher, symbols, failing, log, "market:realtime:trades", zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_ = p.Run(ctx)
	assert.True(t, p.Degraded())
	assert.False(t, ack) // failed flush must not ack
}

type alwaysFailTradeStore struct{}

func (alwaysFailTradeStore) InsertTradesBatch(ctx context.Context, rows []storage.TradeRow) (int64, error) {
	return 0, assert.AnError
}
