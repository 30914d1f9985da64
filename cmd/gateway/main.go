// Command gateway runs the WebSocket Gateway. It either drives the
// Fan-out Bridge against the per-stream log, or — when MOCK_REALTIME is
// set — a synthetic GBM feed instead; the two never run together on the
// same instance.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/marketcore/fanout/internal/config"
	"github.com/marketcore/fanout/internal/fanout"
	"github.com/marketcore/fanout/internal/gateway"
	"github.com/marketcore/fanout/internal/logging"
	"github.com/marketcore/fanout/internal/metrics"
	"github.com/marketcore/fanout/internal/streamlog"
)

const drainDeadline = 15 * time.Second

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		panic(err)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "gateway"})

	gwMetrics := metrics.NewGateway()
	go func() {
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(gateway.Config{
		Addr:        cfg.Addr,
		CORSOrigins: cfg.CORSOriginList(),
		SendBuffer:  cfg.SendQueueSize,
		RESTBaseURL: cfg.RESTBaseURL,
		Guard: gateway.ResourceGuardConfig{
			MaxConnections:     cfg.MaxConnections,
			MaxGoroutines:      cfg.MaxGoroutines,
			MaxBroadcastRate:   cfg.MaxBroadcastRate,
			CPURejectThreshold: cfg.CPURejectThreshold,
		},
	}, logger).WithMetrics(gwMetrics)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(ctx, drainDeadline); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("gateway server exited with error")
		}
	}()

	if cfg.MockRealtime {
		logger.Warn().Msg("MOCK_REALTIME enabled: serving synthetic market data, no live fan-out bridge")
		feed := gateway.NewMockFeed(gw, syntheticSymbols(cfg), cfg.MockInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("mock feed exited with error")
			}
		}()
	} else {
		logAddr, logTLS := cfg.RedisEndpoint()
		logClient, err := streamlog.Connect(logAddr, logTLS)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to per-stream log")
		}
		defer logClient.Close()

		for _, s := range []struct{ stream string }{{"market:realtime:trades"}, {"market:realtime:bars"}} {
			if err := logClient.EnsureGroup(ctx, s.stream, cfg.ConsumerGroup); err != nil {
				logger.Fatal().Err(err).Str("stream", s.stream).Msg("failed to ensure consumer group")
			}

			bridge := fanout.New(fanout.Config{
				Stream:       s.stream,
				Group:        cfg.ConsumerGroup,
				Consumer:     cfg.ConsumerName,
				BlockTimeout: cfg.BlockTimeout,
				Global:       cfg.BroadcastGlobal,
			}, logClient, gw, logger).WithMetrics(gwMetrics)

			wg.Add(1)
			go func(stream string) {
				defer wg.Done()
				logger.Info().Str("stream", stream).Msg("fan-out bridge starting")
				if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error().Err(err).Str("stream", stream).Msg("fan-out bridge exited with error")
				}
			}(s.stream)
		}
	}

	wg.Wait()
	logger.Info().Msg("gateway shut down")
}

// syntheticSymbols seeds the mock feed with a small fixed universe when
// no upstream subscription list applies to mock mode.
func syntheticSymbols(cfg config.Gateway) []string {
	return []string{"AAPL", "MSFT", "GOOG", "AMZN", "TSLA"}
}
