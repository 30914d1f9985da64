package gateway

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

// ResourceGuardConfig holds the admission-control knobs the guard enforces.
type ResourceGuardConfig struct {
	MaxConnections     int
	MaxGoroutines      int
	MaxBroadcastRate   int
	CPURejectThreshold float64
}

// ResourceGuard enforces admission limits in order: connection count, CPU
// brake, goroutine limit.
type ResourceGuard struct {
	cfg    ResourceGuardConfig
	logger zerolog.Logger

	broadcastLimiter *rate.Limiter
	currentCPU       atomic.Value // float64
	conns            *int64
}

// NewResourceGuard returns a guard that reads the live connection count
// from conns. It does not sample CPU by itself; SampleCPU must be run
// separately to refresh the cached CPU percentage.
func NewResourceGuard(cfg ResourceGuardConfig, conns *int64, logger zerolog.Logger) *ResourceGuard {
	rg := &ResourceGuard{
		cfg:              cfg,
		logger:           logger,
		broadcastLimiter: rate.NewLimiter(rate.Limit(cfg.MaxBroadcastRate), cfg.MaxBroadcastRate*2),
		conns:            conns,
	}
	rg.currentCPU.Store(0.0)
	return rg
}

// SampleCPU runs until ctx is cancelled, periodically refreshing the
// cached CPU percentage the admission check reads.
func (rg *ResourceGuard) SampleCPU(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pcts, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(pcts) == 0 {
				continue
			}
			rg.currentCPU.Store(pcts[0])
		}
	}
}

// ShouldAcceptConnection reports whether a new connection may be admitted.
func (rg *ResourceGuard) ShouldAcceptConnection() (bool, string) {
	current := atomic.LoadInt64(rg.conns)
	if current >= int64(rg.cfg.MaxConnections) {
		return false, fmt.Sprintf("at max connections (%d)", rg.cfg.MaxConnections)
	}

	cpuPct := rg.currentCPU.Load().(float64)
	if rg.cfg.CPURejectThreshold > 0 && cpuPct > rg.cfg.CPURejectThreshold {
		return false, fmt.Sprintf("cpu %.1f%% > %.1f%%", cpuPct, rg.cfg.CPURejectThreshold)
	}

	if goroutines := runtime.NumGoroutine(); rg.cfg.MaxGoroutines > 0 && goroutines > rg.cfg.MaxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goroutines, rg.cfg.MaxGoroutines)
	}

	return true, "ok"
}

// AllowBroadcast rate-limits the fan-out bridge's dispatch rate.
func (rg *ResourceGuard) AllowBroadcast() bool {
	return rg.broadcastLimiter.Allow()
}
