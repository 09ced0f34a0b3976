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

	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_published_total",
			Help: "Total number of tasks published per queue",
		},
		[]string{"queue"},
	)
	TasksConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_tasks_consumed_total",
			Help: "Total number of tasks consumed per queue",
		},
		[]string{"queue"},
	)
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dead_letter_total",
			Help: "Messages dropped to the dead-letter log, by reason",
		},
		[]string{"reason"},
	)

	ApplicationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "applications_in_flight",
			Help: "Applications currently in submitting",
		},
	)
	ApplicationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "application_outcomes_total",
			Help: "Terminal worker outcomes applied by the dispatcher",
		},
		[]string{"outcome"},
	)
	FormLoopSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "form_loop_steps",
			Help:    "Steps taken per form-filling run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)
	WorkerHeartbeatAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_heartbeat_age_seconds",
			Help: "Age of the last automation heartbeat observed by the dispatcher",
		},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksPublishedTotal)
	prometheus.MustRegister(TasksConsumedTotal)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(ApplicationsInFlight)
	prometheus.MustRegister(ApplicationOutcomesTotal)
	prometheus.MustRegister(FormLoopSteps)
	prometheus.MustRegister(WorkerHeartbeatAge)
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
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func TaskPublished(queue string) { TasksPublishedTotal.WithLabelValues(queue).Inc() }
func TaskConsumed(queue string)  { TasksConsumedTotal.WithLabelValues(queue).Inc() }

// DeadLetter counts a dropped message; the payload itself goes to the log.
func DeadLetter(reason string) { DeadLetterTotal.WithLabelValues(reason).Inc() }

func OutcomeApplied(outcome string) { ApplicationOutcomesTotal.WithLabelValues(outcome).Inc() }
