// Package metrics exposes Prometheus instrumentation and the health endpoint
// shared by the engine and fan-out binaries.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fxpipeline/internal/model"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Jobs
	JobRunsTotal *prometheus.CounterVec // labels: job, status
	JobDuration  *prometheus.HistogramVec
	JobsDropped  *prometheus.CounterVec // ticks skipped while a run was in flight

	// Ingestion
	CandlesIngested  prometheus.Counter
	MetricsDerived   prometheus.Counter
	CorrelationsCalc prometheus.Counter
	PairsSkipped     prometheus.Counter

	// Broker client
	BrokerRequests *prometheus.CounterVec // labels: outcome
	BrokerRetries  prometheus.Counter

	// Bus
	AlertsPublished *prometheus.CounterVec // labels: channel, severity

	// Fan-out server
	FanoutClients      prometheus.Gauge
	FanoutMessagesSent prometheus.Counter
	FanoutDropsTotal   *prometheus.CounterVec // labels: reason
	FanoutRejects      prometheus.Counter
}

// New registers and returns all pipeline metrics. Pass a fresh registry in
// tests; nil uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		JobRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_job_runs_total",
			Help: "Job runs by terminal status",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fxpipeline_job_duration_seconds",
			Help:    "Job run wall time",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"job"}),
		JobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_job_ticks_dropped_total",
			Help: "Scheduler ticks dropped because the previous run was still in flight",
		}, []string{"job"}),

		CandlesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_candles_ingested_total",
			Help: "Candles upserted into the store",
		}),
		MetricsDerived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_metrics_derived_total",
			Help: "Volatility metric rows written",
		}),
		CorrelationsCalc: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_correlations_computed_total",
			Help: "Correlation coefficients written",
		}),
		PairsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_correlation_pairs_skipped_total",
			Help: "Pairs skipped for insufficient shared coverage",
		}),

		BrokerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_broker_requests_total",
			Help: "Broker fetches by outcome",
		}, []string{"outcome"}),
		BrokerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_broker_retries_total",
			Help: "Broker fetch retry attempts",
		}),

		AlertsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_alerts_published_total",
			Help: "Alerts published to the bus",
		}, []string{"channel", "severity"}),

		FanoutClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxpipeline_fanout_clients",
			Help: "Connected websocket clients",
		}),
		FanoutMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_fanout_messages_sent_total",
			Help: "Messages written to websocket clients",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fxpipeline_fanout_drops_total",
			Help: "Messages dropped before delivery",
		}, []string{"reason"}),
		FanoutRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxpipeline_fanout_rejects_total",
			Help: "Connections rejected at the capacity limit",
		}),
	}

	reg.MustRegister(
		m.JobRunsTotal,
		m.JobDuration,
		m.JobsDropped,
		m.CandlesIngested,
		m.MetricsDerived,
		m.CorrelationsCalc,
		m.PairsSkipped,
		m.BrokerRequests,
		m.BrokerRetries,
		m.AlertsPublished,
		m.FanoutClients,
		m.FanoutMessagesSent,
		m.FanoutDropsTotal,
		m.FanoutRejects,
	)
	return m
}

// HealthStatus tracks dependency liveness for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StoreOK        bool      `json:"store_ok"`
	CacheOK        bool      `json:"cache_ok"`
	LastJobName    string    `json:"last_job_name"`
	LastJobTime    time.Time `json:"last_job_time"`
	LastJobStatus  string    `json:"last_job_status"`
	StoreLatencyMs float64   `json:"store_latency_ms"`
	CacheLatencyMs float64   `json:"cache_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// SetLastJob records the most recent job outcome.
func (h *HealthStatus) SetLastJob(name, status string, at time.Time) {
	h.mu.Lock()
	h.LastJobName = name
	h.LastJobStatus = status
	h.LastJobTime = at
	h.mu.Unlock()
}

// CheckStore pings the database and records latency plus connectivity.
func (h *HealthStatus) CheckStore(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StoreOK = err == nil
	h.StoreLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckCache pings Redis and records latency plus connectivity.
func (h *HealthStatus) CheckCache(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.CacheOK = err == nil
	h.CacheLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx ends.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, db *sql.DB, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if db != nil {
					h.CheckStore(probeCtx, db)
				}
				if rdb != nil {
					h.CheckCache(probeCtx, rdb)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if !h.StoreOK || !h.CacheOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if !h.StoreOK && !h.CacheOK {
		status = "unhealthy"
	}

	out := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		StoreOK        bool    `json:"store_ok"`
		StoreLatencyMs float64 `json:"store_latency_ms"`
		CacheOK        bool    `json:"cache_ok"`
		CacheLatencyMs float64 `json:"cache_latency_ms"`
		LastJobName    string  `json:"last_job_name"`
		LastJobStatus  string  `json:"last_job_status"`
		LastJobTime    string  `json:"last_job_time"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StoreOK:        h.StoreOK,
		StoreLatencyMs: h.StoreLatencyMs,
		CacheOK:        h.CacheOK,
		CacheLatencyMs: h.CacheLatencyMs,
		LastJobName:    h.LastJobName,
		LastJobStatus:  h.LastJobStatus,
		LastJobTime:    h.LastJobTime.Format(time.RFC3339),
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(out)
}

// JobRunSource supplies audit rows for the job history endpoint.
type JobRunSource interface {
	RecentJobRuns(ctx context.Context, name string, limit int) ([]model.JobRun, error)
}

// JobRunsHandler serves the latest audit rows per job, keyed by job name.
// A limit query parameter caps the rows per job (default 20, max 200).
func JobRunsHandler(src JobRunSource, names ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		out := make(map[string][]model.JobRun, len(names))
		for _, name := range names {
			runs, err := src.RecentJobRuns(r.Context(), name, limit)
			if err != nil {
				http.Error(w, `{"error":"job history unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			out[name] = runs
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	mux  *http.ServeMux
	srv  *http.Server
	log  zerolog.Logger
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		addr: addr,
		mux:  mux,
		srv:  &http.Server{Addr: addr, Handler: mux},
		log:  log.With().Str("component", "metrics").Logger(),
	}
}

// Handle registers an extra route. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start launches the server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
