// Package bus wraps nats.go's JetStream API as a durable, per-key-ordered
// message bus: JetStream streams with durable pull consumers so offsets
// survive restarts and support at-least-once redelivery.
package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config configures the NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// DefaultConfig returns sane reconnect settings for a long-lived pipeline
// connection.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1, // unbounded; never give up on the bus connection
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
	}
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// Connect dials NATS and obtains a JetStream context.
func Connect(cfg Config, logger zerolog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("obtain jetstream context: %w", err)
	}

	return &Client{conn: conn, js: js, logger: logger}, nil
}

// Close closes the underlying connection without draining it.
func (c *Client) Close() {
	c.conn.Close()
}

// IsConnected reports the connection's live status.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureStream creates the stream if absent, idempotently.
func (c *Client) EnsureStream(name string, subjects []string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return nil
}

// Publish publishes to a subject with JetStream acknowledgement. A failed
// publish is the caller's responsibility to log and drop — bus.Publish
// does not retry.
func (c *Client) Publish(subject string, data []byte) error {
	_, err := c.js.Publish(subject, data)
	return err
}

// PullSubscribe creates (or binds to) a durable pull consumer with the
// given durable name on the given subject.
func (c *Client) PullSubscribe(subject, durable string) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(subject, durable, nats.ManualAck(), nats.AckWait(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", subject, durable, err)
	}
	return sub, nil
}

// TradeSubject returns the bus subject for a ticker's trades.
func TradeSubject(ticker string) string {
	return "market.trades." + ticker
}

// BarSubject returns the bus subject for a ticker's bars.
func BarSubject(ticker string) string {
	return "market.bars." + ticker
}
