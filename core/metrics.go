package core

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Snapshot captures the node's externally-observable health at one point
// in time.
type Snapshot struct {
	PeerCount        int            `json:"peer_count"`
	BucketOccupancy  map[string]int `json:"bucket_occupancy"` // crypto kind -> occupied slots
	ConnectionCount  int            `json:"connection_count"`
	PendingQuestions int            `json:"pending_questions"`
	MemAlloc         uint64         `json:"mem_alloc"`
	NumGoroutines    int            `json:"goroutines"`
	Timestamp        int64          `json:"timestamp"`
}

// HealthLogger records structured JSON logs and Prometheus gauges for the
// routing table, connection table, and RPC dispatcher it is handed.
type HealthLogger struct {
	rt       *RoutingTable
	table    *ConnectionTable
	dispatch *Dispatcher

	log  *logrus.Logger
	file *os.File
	mu   sync.Mutex

	registry         *prometheus.Registry
	peerCountGauge   prometheus.Gauge
	connectionGauge  prometheus.Gauge
	pendingGauge     prometheus.Gauge
	memAllocGauge    prometheus.Gauge
	goroutinesGauge  prometheus.Gauge
	bucketOccupancy  *prometheus.GaugeVec
	errorCounter     prometheus.Counter
}

// NewHealthLogger configures a HealthLogger writing JSON logs to path and
// exposing Prometheus gauges derived from rt/table/dispatch.
func NewHealthLogger(rt *RoutingTable, table *ConnectionTable, dispatch *Dispatcher, path string) (*HealthLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	lg := logrus.New()
	lg.SetFormatter(&logrus.JSONFormatter{})
	lg.SetOutput(f)
	reg := prometheus.NewRegistry()

	h := &HealthLogger{rt: rt, table: table, dispatch: dispatch, log: lg, file: f, registry: reg}

	h.peerCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilid_peer_count",
		Help: "Number of distinct entries in the routing table",
	})
	h.connectionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilid_connection_count",
		Help: "Number of live entries in the connection table",
	})
	h.pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilid_pending_questions",
		Help: "Number of RPC questions awaiting an answer",
	})
	h.memAllocGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilid_mem_alloc_bytes",
		Help: "Current memory allocation in bytes",
	})
	h.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veilid_goroutines",
		Help: "Number of running goroutines",
	})
	h.bucketOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veilid_bucket_occupancy",
		Help: "Occupied routing table bucket slots, by crypto kind",
	}, []string{"crypto_kind"})
	h.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veilid_log_errors_total",
		Help: "Total number of error events logged",
	})

	reg.MustRegister(
		h.peerCountGauge,
		h.connectionGauge,
		h.pendingGauge,
		h.memAllocGauge,
		h.goroutinesGauge,
		h.bucketOccupancy,
		h.errorCounter,
	)

	return h, nil
}

// Close releases the underlying log file.
func (h *HealthLogger) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

// Rotate switches logging to a new file path.
func (h *HealthLogger) Rotate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.file.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	h.log.SetOutput(f)
	h.file = f
	return nil
}

// LogEvent records an arbitrary message with the specified log level.
func (h *HealthLogger) LogEvent(level logrus.Level, msg string) {
	h.mu.Lock()
	if level <= logrus.ErrorLevel {
		h.errorCounter.Inc()
	}
	h.log.Log(level, msg)
	h.mu.Unlock()
}

// Snapshot gathers current metrics from the routing table, connection
// table, dispatcher, and runtime.
func (h *HealthLogger) Snapshot() Snapshot {
	m := Snapshot{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemAlloc = mem.Alloc

	if h.rt != nil {
		m.PeerCount = h.rt.Len()
		m.BucketOccupancy = make(map[string]int)
		for kind, count := range h.rt.BucketOccupancy() {
			m.BucketOccupancy[kind.String()] = count
		}
	}
	if h.table != nil {
		m.ConnectionCount = h.table.Len()
	}
	if h.dispatch != nil {
		m.PendingQuestions = h.dispatch.PendingCount()
	}
	return m
}

// RecordMetrics captures the current snapshot and updates Prometheus gauges.
func (h *HealthLogger) RecordMetrics() {
	m := h.Snapshot()
	h.peerCountGauge.Set(float64(m.PeerCount))
	h.connectionGauge.Set(float64(m.ConnectionCount))
	h.pendingGauge.Set(float64(m.PendingQuestions))
	h.memAllocGauge.Set(float64(m.MemAlloc))
	h.goroutinesGauge.Set(float64(m.NumGoroutines))
	for kind, count := range m.BucketOccupancy {
		h.bucketOccupancy.WithLabelValues(kind).Set(float64(count))
	}
	h.LogEvent(logrus.InfoLevel, "metrics recorded")
}

// RunMetricsCollector periodically records metrics until ctx is canceled.
func (h *HealthLogger) RunMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// StartMetricsServer exposes a Prometheus /metrics endpoint on addr. It
// returns the underlying http.Server so callers may manage its lifecycle.
func (h *HealthLogger) StartMetricsServer(addr string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.LogEvent(logrus.ErrorLevel, err.Error())
		}
	}()
	return srv, nil
}

// ShutdownMetricsServer gracefully stops the metrics HTTP server.
func (h *HealthLogger) ShutdownMetricsServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
