package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradeSubjectNamesPerTicker(t *testing.T) {
	assert.Equal(t, "market.trades.AAPL", TradeSubject("AAPL"))
}

func TestBarSubjectNamesPerTicker(t *testing.T) {
	assert.Equal(t, "market.bars.MSFT", BarSubject("MSFT"))
}

func TestDefaultConfigUsesUnboundedReconnects(t *testing.T) {
	cfg := DefaultConfig("nats://localhost:4222")
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}

func TestClientIsConnectedFalseWithoutConnection(t *testing.T) {
	c := &Client{}
	assert.False(t, c.IsConnected())
}
