package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketcore/fanout/internal/streamlog"
)

type fakeLog struct {
	mu      sync.Mutex
	pending []streamlog.Entry
	newBatches [][]streamlog.Entry
	idx     int
	acked   []string
	readErr error
}

func (f *fakeLog) ReadPending(ctx context.Context, stream, group, consumer string) ([]streamlog.Entry, error) {
	p := f.pending
	f.pending = nil
	return p, nil
}

func (f *fakeLog) ReadNew(ctx context.Context, stream, group, consumer string, block time.Duration) ([]streamlog.Entry, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.idx < len(f.newBatches) {
		b := f.newBatches[f.idx]
		f.idx++
		return b, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (f *fakeLog) Ack(ctx context.Context, stream, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

type fakeBroadcaster struct {
	mu         sync.Mutex
	toSymbol   []string
	global     []string
	failSymbol string
}

func (b *fakeBroadcaster) Broadcast(event string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, event)
}

func (b *fakeBroadcaster) BroadcastToSymbol(ticker, event string, payload []byte) {
	if ticker == b.failSymbol {
		panic("simulated broadcast failure")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toSymbol = append(b.toSymbol, ticker+":"+event)
}

func TestDispatchDropsMalformedEntry(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(Config{}, &fakeLog{}, bc, zerolog.Nop())

	ok := b.dispatch(streamlog.Entry{ID: "1-0", Data: "not json"})
	assert.True(t, ok) // dropped entries are acked
	assert.Empty(t, bc.toSymbol)
	assert.Equal(t, int64(1), b.Stats().Dropped)
}

func TestDispatchRoomOnlyByDefault(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(Config{}, &fakeLog{}, bc, zerolog.Nop())

	ok := b.dispatch(streamlog.Entry{ID: "1-0", Symbol: "AAPL", Data: `{"type":"trade","symbol":"aapl"}`})
	require.True(t, ok)
	assert.Equal(t, []string{"AAPL:trade_update"}, bc.toSymbol)
	assert.Empty(t, bc.global)
	assert.Equal(t, int64(1), b.Stats().Dispatched)
}

func TestDispatchAlsoGlobalWhenConfigured(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(Config{Global: true}, &fakeLog{}, bc, zerolog.Nop())

	ok := b.dispatch(streamlog.Entry{ID: "1-0", Symbol: "MSFT", Data: `{"type":"bar","symbol":"msft"}`})
	require.True(t, ok)
	assert.Equal(t, []string{"MSFT:bar_update"}, bc.toSymbol)
	assert.Equal(t, []string{"bar_update"}, bc.global)
}

func TestDispatchLeavesFailedBroadcastUnacked(t *testing.T) {
	bc := &fakeBroadcaster{failSymbol: "AAPL"}
	b := New(Config{}, &fakeLog{}, bc, zerolog.Nop())

	ok := b.dispatch(streamlog.Entry{ID: "1-0", Symbol: "AAPL", Data: `{"type":"trade","symbol":"AAPL"}`})
	assert.False(t, ok)
	assert.Equal(t, int64(1), b.Stats().Failed)
}

func TestRunDrainsPendingBeforeNewReads(t *testing.T) {
	log := &fakeLog{
		pending: []streamlog.Entry{{ID: "0-1", Symbol: "AAPL", Data: `{"type":"trade","symbol":"AAPL"}`}},
		readErr: context.DeadlineExceeded,
	}
	bc := &fakeBroadcaster{}
	b := New(Config{}, log, bc, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Run(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
	assert.Equal(t, []string{"AAPL:trade_update"}, bc.toSymbol)
	assert.Contains(t, log.acked, "0-1")
}
