// Command ingest runs the Ingest Worker: it dials the upstream WebSocket
// feed, normalizes frames, and publishes them to the bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/marketcore/fanout/internal/bus"
	"github.com/marketcore/fanout/internal/config"
	"github.com/marketcore/fanout/internal/ingest"
	"github.com/marketcore/fanout/internal/logging"
	"github.com/marketcore/fanout/internal/metrics"
)

func main() {
	cfg, err := config.LoadIngest()
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "ingest"})

	ingestMetrics := metrics.NewIngest()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsClient, err := bus.Connect(bus.DefaultConfig(cfg.NATSURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to bus")
	}
	defer natsClient.Close()

	for _, stream := range []struct{ name, subject string }{
		{cfg.NATSStreamTrades, "market.trades.*"},
		{cfg.NATSStreamBars, "market.bars.*"},
	} {
		if err := natsClient.EnsureStream(stream.name, []string{stream.subject}); err != nil {
			logger.Fatal().Err(err).Str("stream", stream.name).Msg("failed to ensure bus stream")
		}
	}

	worker := ingest.New(ingest.Config{
		URL:            cfg.UpstreamWSURL,
		Key:            cfg.UpstreamKey,
		Secret:         cfg.UpstreamSecret,
		Symbols:        cfg.Symbols(),
		IdleTimeout:    cfg.IdleTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, natsClient, logger).WithMetrics(ingestMetrics)

	logger.Info().Str("upstream", cfg.UpstreamWSURL).Strs("symbols", cfg.Symbols()).Msg("ingest worker starting")

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("ingest worker exited with error")
	}

	logger.Info().Msg("ingest worker shut down")
}
