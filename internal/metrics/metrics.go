package metrics

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker pool metrics
var (
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmvalidate_jobs_inflight",
			Help: "Number of jobs currently occupying a worker slot",
		},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmvalidate_jobs_total",
			Help: "Total jobs reaching a terminal phase",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmvalidate_job_duration_seconds",
			Help:    "Time from dispatch to terminal phase for one job",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	LaunchPhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vmvalidate_launch_phase_duration_seconds",
			Help:    "Time spent in one sandbox launch phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
		[]string{"phase"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmvalidate_queue_depth",
			Help: "Number of jobs admitted but not yet dispatched",
		},
	)

	SlotUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmvalidate_slot_utilization",
			Help: "Fraction of worker slots currently occupied (0-1)",
		},
	)

	SQLiteSyncLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmvalidate_sqlite_sync_lag_seconds",
			Help: "Time since the audit log last synced an event to NATS",
		},
	)
)

// Control plane metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmvalidate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmvalidate_auth_attempts_total",
			Help: "Total API key auth attempts",
		},
		[]string{"result"},
	)

	NetpolicyBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmvalidate_netpolicy_blocks_total",
			Help: "Total egress attempts blocked by the DNS resolver or forward proxy",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsInFlight,
		JobsTotal,
		JobDuration,
		LaunchPhaseDuration,
		QueueDepth,
		SlotUtilization,
		SQLiteSyncLag,
		HTTPRequestsTotal,
		AuthAttemptsTotal,
		NetpolicyBlocksTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// metrics server is non-critical; nothing to recover
		}
	}()
	return srv
}
