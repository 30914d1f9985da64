package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/marketcore/fanout/internal/metrics"
)

// Config configures the Gateway HTTP/WS server.
type Config struct {
	Addr        string
	CORSOrigins []string
	SendBuffer  int
	Guard       ResourceGuardConfig
	RESTBaseURL string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS handled at the HTTP layer
}

// Gateway owns the connection registry, the HTTP server, and the resource
// guard admission check. It implements fanout.Broadcaster by forwarding
// to its *Registry, wrapped with the broadcast rate limiter.
type Gateway struct {
	cfg      Config
	logger   zerolog.Logger
	registry *Registry
	guard    *ResourceGuard
	srv      *http.Server
	metrics  *metrics.Gateway

	currentConns int64
	shuttingDown int32
}

// New constructs a Gateway. Call Run to start serving.
func New(cfg Config, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(cfg.SendBuffer, logger),
	}
	g.guard = NewResourceGuard(cfg.Guard, &g.currentConns, logger)
	return g
}

// WithMetrics attaches a metrics sink to the Gateway and its connection
// registry; the server runs metrics-free if this is never called.
func (g *Gateway) WithMetrics(m *metrics.Gateway) *Gateway {
	g.metrics = m
	g.registry.WithMetrics(m)
	return g
}

// Registry exposes the connection registry, e.g. for the fan-out bridge.
func (g *Gateway) Registry() *Registry { return g.registry }

// Broadcast implements fanout.Broadcaster, rate-limited by the resource guard.
func (g *Gateway) Broadcast(event string, payload []byte) {
	if !g.guard.AllowBroadcast() {
		g.logger.Warn().Str("event", event).Msg("global broadcast dropped by rate limiter")
		if g.metrics != nil {
			g.metrics.BroadcastsDropped.WithLabelValues("global").Inc()
		}
		return
	}
	g.registry.Broadcast(event, payload)
}

// BroadcastToSymbol implements fanout.Broadcaster, rate-limited by the
// resource guard.
func (g *Gateway) BroadcastToSymbol(ticker, event string, payload []byte) {
	if !g.guard.AllowBroadcast() {
		g.logger.Warn().Str("event", event).Str("symbol", ticker).Msg("symbol broadcast dropped by rate limiter")
		if g.metrics != nil {
			g.metrics.BroadcastsDropped.WithLabelValues("symbol").Inc()
		}
		return
	}
	g.registry.BroadcastToSymbol(ticker, event, payload)
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// drains connections within the given deadline.
func (g *Gateway) Run(ctx context.Context, drainDeadline time.Duration) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleUpgrade)
	g.registerHTTPRoutes(mux)

	handler := cors.New(cors.Options{
		AllowedOrigins: g.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	}).Handler(mux)

	g.srv = &http.Server{Addr: g.cfg.Addr, Handler: handler}

	cpuCtx, stopCPU := context.WithCancel(context.Background())
	defer stopCPU()
	go g.guard.SampleCPU(cpuCtx, time.Second)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info().Str("addr", g.cfg.Addr).Msg("gateway listening")
		if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	atomic.StoreInt32(&g.shuttingDown, 1)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	return g.srv.Shutdown(shutdownCtx)
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&g.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if ok, reason := g.guard.ShouldAcceptConnection(); !ok {
		g.logger.Debug().Str("reason", reason).Msg("connection rejected by resource guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		if g.metrics != nil {
			g.metrics.ConnectionsFailed.Inc()
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("websocket upgrade failed")
		if g.metrics != nil {
			g.metrics.ConnectionsFailed.Inc()
		}
		return
	}

	c := g.registry.Accept(conn)
	atomic.AddInt64(&g.currentConns, 1)

	go func() {
		defer atomic.AddInt64(&g.currentConns, -1)
		g.writePump(c)
	}()
	go g.readPump(c)

	g.sendConnected(c)
}
