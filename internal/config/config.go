// Package config loads per-binary configuration from the environment: a
// struct with `env`/`envDefault` tags, loaded once at process start.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// loadDotenv loads a .env file if present. Missing files are not an error;
// real deployments supply the environment directly.
func loadDotenv() {
	_ = godotenv.Load()
}

// Ingest holds the Ingest Worker's configuration.
type Ingest struct {
	UpstreamWSURL      string        `env:"UPSTREAM_WS_URL,required"`
	UpstreamKey        string        `env:"UPSTREAM_KEY"`
	UpstreamSecret     string        `env:"UPSTREAM_SECRET"`
	SubscribedSymbols  string        `env:"SUBSCRIBED_SYMBOLS" envDefault:""`
	NATSURL            string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStreamTrades   string        `env:"NATS_STREAM_TRADES" envDefault:"MARKET_TRADES"`
	NATSStreamBars     string        `env:"NATS_STREAM_BARS" envDefault:"MARKET_BARS"`
	IdleTimeout        time.Duration `env:"UPSTREAM_IDLE_TIMEOUT" envDefault:"30s"`
	BackoffInitial     time.Duration `env:"RECONNECT_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax         time.Duration `env:"RECONNECT_BACKOFF_MAX" envDefault:"30s"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string        `env:"LOG_FORMAT" envDefault:"json"`
	MetricsAddr        string        `env:"METRICS_ADDR" envDefault:":9090"`
}

// Symbols splits SubscribedSymbols on commas, trims whitespace, and
// upper-cases each entry.
func (c Ingest) Symbols() []string {
	raw := splitAndTrim(c.SubscribedSymbols)
	out := make([]string, len(raw))
	for i, s := range raw {
		out[i] = strings.ToUpper(s)
	}
	return out
}

// StreamProcessor holds the Stream Processor's configuration.
type StreamProcessor struct {
	NATSURL          string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStreamTrades string        `env:"NATS_STREAM_TRADES" envDefault:"MARKET_TRADES"`
	NATSStreamBars   string        `env:"NATS_STREAM_BARS" envDefault:"MARKET_BARS"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      int    `env:"DB_PORT" envDefault:"5432"`
	DBName      string `env:"DB_NAME" envDefault:"marketdata"`
	DBUser      string `env:"DB_USER" envDefault:"marketdata"`
	DBPassword  string `env:"DB_PASSWORD"`

	RedisURL  string `env:"REDIS_URL"`
	LogURL    string `env:"LOG_URL"`
	LogHost   string `env:"LOG_HOST" envDefault:"localhost"`
	LogPort   int    `env:"LOG_PORT" envDefault:"6379"`

	BatchSize       int           `env:"BATCH_SIZE" envDefault:"100"`
	FlushIntervalMs int           `env:"FLUSH_INTERVAL_MS" envDefault:"1000"`
	StatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"5s"`
	TxTimeout        time.Duration `env:"DB_TX_TIMEOUT" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9091"`
}

// FlushInterval is FlushIntervalMs as a time.Duration.
func (c StreamProcessor) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// RedisEndpoint resolves the per-stream log endpoint; REDIS_URL takes
// precedence over the discrete LOG_HOST/LOG_PORT fields when both are set.
func (c StreamProcessor) RedisEndpoint() (addr string, tls bool) {
	url := c.RedisURL
	if url == "" {
		url = c.LogURL
	}
	if url != "" {
		tls = strings.HasPrefix(url, "rediss://")
		return strings.TrimPrefix(strings.TrimPrefix(url, "rediss://"), "redis://"), tls
	}
	return joinHostPort(c.LogHost, c.LogPort), false
}

// Gateway holds the WebSocket Gateway's configuration.
type Gateway struct {
	Addr string `env:"WS_ADDR" envDefault:":3002"`

	RedisURL string `env:"REDIS_URL"`
	LogURL   string `env:"LOG_URL"`
	LogHost  string `env:"LOG_HOST" envDefault:"localhost"`
	LogPort  int    `env:"LOG_PORT" envDefault:"6379"`

	ConsumerGroup string `env:"GATEWAY_CONSUMER_GROUP" envDefault:"gateway_stream_consumers"`
	ConsumerName  string `env:"GATEWAY_CONSUMER_NAME" envDefault:"gateway-consumer"`
	BlockTimeout  time.Duration `env:"STREAM_BLOCK_TIMEOUT" envDefault:"2s"`

	BroadcastGlobal bool `env:"BROADCAST_GLOBAL" envDefault:"false"`
	MockRealtime    bool `env:"MOCK_REALTIME" envDefault:"false"`
	MockInterval    time.Duration `env:"MOCK_INTERVAL" envDefault:"3s"`

	MaxConnections     int     `env:"WS_MAX_CONNECTIONS" envDefault:"500"`
	MaxGoroutines      int     `env:"WS_MAX_GOROUTINES" envDefault:"1000"`
	MaxBroadcastRate   int     `env:"WS_MAX_BROADCAST_RATE" envDefault:"200"`
	CPURejectThreshold float64 `env:"WS_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	SendQueueSize      int     `env:"WS_SEND_QUEUE_SIZE" envDefault:"1024"`

	RESTBaseURL string `env:"REST_API_BASE_URL" envDefault:"http://localhost:8080"`
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"*"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9092"`
}

// CORSOriginList splits CORSOrigins on commas.
func (c Gateway) CORSOriginList() []string {
	return splitAndTrim(c.CORSOrigins)
}

// RedisEndpoint mirrors StreamProcessor.RedisEndpoint for the gateway side.
func (c Gateway) RedisEndpoint() (addr string, tls bool) {
	url := c.RedisURL
	if url == "" {
		url = c.LogURL
	}
	if url != "" {
		tls = strings.HasPrefix(url, "rediss://")
		return strings.TrimPrefix(strings.TrimPrefix(url, "rediss://"), "redis://"), tls
	}
	return joinHostPort(c.LogHost, c.LogPort), false
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// LoadIngest loads Ingest configuration from the environment.
func LoadIngest() (Ingest, error) {
	loadDotenv()
	var c Ingest
	err := env.Parse(&c)
	return c, err
}

// LoadStreamProcessor loads StreamProcessor configuration from the environment.
func LoadStreamProcessor() (StreamProcessor, error) {
	loadDotenv()
	var c StreamProcessor
	err := env.Parse(&c)
	return c, err
}

// LoadGateway loads Gateway configuration from the environment.
func LoadGateway() (Gateway, error) {
	loadDotenv()
	var c Gateway
	err := env.Parse(&c)
	return c, err
}
