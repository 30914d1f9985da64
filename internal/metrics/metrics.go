// Package metrics wires the pipeline's Prometheus surface: one counter/
// gauge/histogram set per binary, covering ingest, the stream processor,
// and the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest holds the Ingest Worker's counters.
type Ingest struct {
	FramesReceived  prometheus.Counter
	FramesPublished prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	Reconnects      prometheus.Counter
}

// NewIngest registers and returns the ingest worker's metrics.
func NewIngest() *Ingest {
	m := &Ingest{
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_received_total",
			Help: "Total upstream frames received.",
		}),
		FramesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_frames_published_total",
			Help: "Total frames normalized and published to the bus.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_frames_dropped_total",
			Help: "Total frames dropped, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_reconnects_total",
			Help: "Total upstream reconnect attempts.",
		}),
	}
	prometheus.MustRegister(m.FramesReceived, m.FramesPublished, m.FramesDropped, m.Reconnects)
	return m
}

// StreamProc holds the Stream Processor's counters.
type StreamProc struct {
	BatchesFlushed  *prometheus.CounterVec
	RowsInserted    *prometheus.CounterVec
	FlushFailures   *prometheus.CounterVec
	FlushDuration   *prometheus.HistogramVec
	BarsInvalid     prometheus.Counter
	Degraded        *prometheus.GaugeVec
}

// NewStreamProc registers and returns the stream processor's metrics.
func NewStreamProc() *StreamProc {
	m := &StreamProc{
		BatchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproc_batches_flushed_total",
			Help: "Total batches flushed, by stream.",
		}, []string{"stream"}),
		RowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproc_rows_inserted_total",
			Help: "Total rows inserted, by stream.",
		}, []string{"stream"}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamproc_flush_failures_total",
			Help: "Total flush failures, by stream.",
		}, []string{"stream"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamproc_flush_duration_seconds",
			Help:    "Flush duration, by stream.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),
		BarsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamproc_bars_invalid_total",
			Help: "Total bars dropped for failing the OHLC invariant.",
		}),
		Degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamproc_degraded",
			Help: "1 when a processor has exceeded its consecutive-failure threshold.",
		}, []string{"stream"}),
	}
	prometheus.MustRegister(m.BatchesFlushed, m.RowsInserted, m.FlushFailures, m.FlushDuration, m.BarsInvalid, m.Degraded)
	return m
}

// Gateway holds the WebSocket Gateway's counters.
type Gateway struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsFailed prometheus.Counter
	MessagesSent      prometheus.Counter
	SlowDisconnects   prometheus.Counter
	BroadcastsDropped *prometheus.CounterVec
	FanoutDispatched  *prometheus.CounterVec
}

// NewGateway registers and returns the gateway's metrics.
func NewGateway() *Gateway {
	m := &Gateway{
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connections established.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Current number of active WebSocket connections.",
		}),
		ConnectionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_failed_total",
			Help: "Total connection attempts rejected or failed to upgrade.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Total messages sent to clients.",
		}),
		SlowDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_clients_disconnected_total",
			Help: "Total connections dropped for exceeding the send-strike limit.",
		}),
		BroadcastsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_broadcasts_dropped_total",
			Help: "Total broadcasts dropped by the resource guard's rate limiter.",
		}, []string{"scope"}),
		FanoutDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fanout_dispatched_total",
			Help: "Total per-stream-log entries dispatched to the gateway broadcast surface.",
		}, []string{"stream", "outcome"}),
	}
	prometheus.MustRegister(m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsFailed, m.MessagesSent,
		m.SlowDisconnects, m.BroadcastsDropped, m.FanoutDispatched)
	return m
}

// Serve starts a metrics-only HTTP server at addr and blocks until it
// exits.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
