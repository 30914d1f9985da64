// Command streamproc runs the Stream Processor: it consumes trade and
// bar subjects from the bus in batches, persists them idempotently, and
// republishes committed records to the per-stream log. Trades and bars
// run as two independent consumer loops sharing one database and one
// stream-log connection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/marketcore/fanout/internal/bus"
	"github.com/marketcore/fanout/internal/config"
	"github.com/marketcore/fanout/internal/logging"
	"github.com/marketcore/fanout/internal/metrics"
	"github.com/marketcore/fanout/internal/storage"
	"github.com/marketcore/fanout/internal/streamlog"
	"github.com/marketcore/fanout/internal/streamproc"
)

// processorLoop is the common shape of TradeProcessor/BarProcessor the
// run helper below starts and supervises.
type processorLoop interface {
	Run(context.Context) error
	Degraded() bool
}

// subjectFetcher adapts a durable NATS JetStream pull consumer to
// streamproc.Fetcher.
type subjectFetcher struct {
	sub *nats.Subscription
}

func (f *subjectFetcher) Fetch(ctx context.Context, maxBatch int, maxWait time.Duration) ([]streamproc.BusMessage, error) {
	if maxBatch <= 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(maxWait):
			return nil, nil
		}
	}

	msgs, err := f.sub.Fetch(maxBatch, nats.MaxWait(maxWait), nats.Context(ctx))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, err
	}

	out := make([]streamproc.BusMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := m
		out = append(out, streamproc.BusMessage{
			Data:       msg.Data,
			ReceivedAt: time.Now(),
			Ack:        func() error { return msg.Ack() },
		})
	}
	return out, nil
}

func dsn(cfg config.StreamProcessor) string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)
}

func main() {
	cfg, err := config.LoadStreamProcessor()
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "streamproc"})

	procMetrics := metrics.NewStreamProc()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(dsn(cfg), cfg.StatementTimeout, cfg.TxTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to relational store")
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate relational store")
	}

	natsClient, err := bus.Connect(bus.DefaultConfig(cfg.NATSURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer natsClient.Close()

	logAddr, logTLS := cfg.RedisEndpoint()
	logClient, err := streamlog.Connect(logAddr, logTLS)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to per-stream log")
	}
	defer logClient.Close()

	batchCfg := streamproc.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		RetryInitial:  time.Second,
		RetryMax:      30 * time.Second,
		DegradedAfter: 5,
	}

	var wg sync.WaitGroup
	run := func(name, subject, durable string, build func(streamproc.Fetcher) processorLoop) {
		sub, err := natsClient.PullSubscribe(subject, durable)
		if err != nil {
			logger.Fatal().Err(err).Str("subject", subject).Msg("failed to create pull consumer")
		}
		processor := build(&subjectFetcher{sub: sub})

		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info().Str("processor", name).Msg("stream processor loop starting")
			if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Str("processor", name).Msg("stream processor loop exited with error")
			}
		}()
	}

	run("trades", "market.trades.*", "trades-persist", func(f streamproc.Fetcher) processorLoop {
		return streamproc.NewTradeProcessor(batchCfg, f, store, store, logClient, "market:realtime:trades", logger).WithMetrics(procMetrics)
	})

	run("bars", "market.bars.*", "bars-persist", func(f streamproc.Fetcher) processorLoop {
		return streamproc.NewBarProcessor(batchCfg, f, store, store, logClient, "market:realtime:bars", logger).WithMetrics(procMetrics)
	})

	wg.Wait()
	logger.Info().Msg("stream processor shut down")
}
