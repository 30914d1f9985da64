package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngestSymbolsUppercasesAndTrims(t *testing.T) {
	c := Ingest{SubscribedSymbols: " aapl, msft ,, goog"}
	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, c.Symbols())
}

func TestIngestSymbolsEmptyReturnsEmpty(t *testing.T) {
	c := Ingest{SubscribedSymbols: ""}
	assert.Empty(t, c.Symbols())
}

func TestGatewayCORSOriginListSplitsAndTrims(t *testing.T) {
	c := Gateway{CORSOrigins: "http://a.example, http://b.example"}
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, c.CORSOriginList())
}

func TestStreamProcessorRedisEndpointPrefersURL(t *testing.T) {
	c := StreamProcessor{RedisURL: "rediss://cache.internal:6380", LogHost: "localhost", LogPort: 6379}
	addr, tls := c.RedisEndpoint()
	assert.Equal(t, "cache.internal:6380", addr)
	assert.True(t, tls)
}

func TestStreamProcessorRedisEndpointFallsBackToHostPort(t *testing.T) {
	c := StreamProcessor{LogHost: "localhost", LogPort: 6379}
	addr, tls := c.RedisEndpoint()
	assert.Equal(t, "localhost:6379", addr)
	assert.False(t, tls)
}

func TestStreamProcessorFlushIntervalConvertsMillis(t *testing.T) {
	c := StreamProcessor{FlushIntervalMs: 1500}
	assert.Equal(t, int64(1500), c.FlushInterval().Milliseconds())
}

func TestGatewayRedisEndpointFallsBackToLogURL(t *testing.T) {
	c := Gateway{LogURL: "redis://logs.internal:6399"}
	addr, tls := c.RedisEndpoint()
	assert.Equal(t, "logs.internal:6399", addr)
	assert.False(t, tls)
}

func TestLoadIngestRequiresUpstreamURL(t *testing.T) {
	require.NoError(t, os.Unsetenv("UPSTREAM_WS_URL"))
	_, err := LoadIngest()
	require.Error(t, err)
}

func TestLoadIngestAppliesDefaults(t *testing.T) {
	t.Setenv("UPSTREAM_WS_URL", "wss://upstream.example/feed")
	c, err := LoadIngest()
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.NATSURL)
	assert.Equal(t, ":9090", c.MetricsAddr)
}
