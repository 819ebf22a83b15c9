package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	RunsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_runs_started_total",
			Help: "Total number of engine runs started by engine and kind",
		},
		[]string{"engine", "kind"},
	)
	RunsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_runs_in_flight",
			Help: "Number of engine subprocesses currently supervised",
		},
		[]string{"engine"},
	)
	RunOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_run_outcomes_total",
			Help: "Total number of classified run outcomes",
		},
		[]string{"engine", "outcome"},
	)
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Engine run duration in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"engine"},
	)

	QuotaGateDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_gate_decisions_total",
			Help: "Ramp gate decisions by provider and verdict",
		},
		[]string{"provider", "verdict"},
	)
	QuotaPercentRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_percent_remaining",
			Help: "Last observed remaining quota percentage per provider",
		},
		[]string{"provider"},
	)

	ReviewQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "review_queue_depth",
			Help: "Entries currently in the review follow-up queue",
		},
	)
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook deliveries by event and result",
		},
		[]string{"event", "result"},
	)
	StalledRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stalled_recoveries_total",
			Help: "Work items recovered from a stalled running state",
		},
	)
	AutoMergeResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auto_merge_results_total",
			Help: "Auto-merge attempts by result",
		},
		[]string{"result"},
	)
)

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(RunsStartedTotal)
	prometheus.MustRegister(RunsInFlight)
	prometheus.MustRegister(RunOutcomesTotal)
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(QuotaGateDecisionsTotal)
	prometheus.MustRegister(QuotaPercentRemaining)
	prometheus.MustRegister(ReviewQueueDepth)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(StalledRecoveriesTotal)
	prometheus.MustRegister(AutoMergeResultsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
