package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// actions names the task operation behind each route. Routes missing here
// are reported as "other".
var actions = map[string]string{
	http.MethodPost + " /v1/tasks":               "create",
	http.MethodGet + " /v1/tasks":                "list",
	http.MethodGet + " /v1/tasks/:id":            "state",
	http.MethodGet + " /v1/tasks/:id/history":    "history",
	http.MethodPost + " /v1/tasks/:id/drive":     "drive",
	http.MethodPost + " /v1/tasks/:id/responses": "respond",
	http.MethodPost + " /v1/tasks/:id/skips":     "skip",
	http.MethodPost + " /v1/tasks/:id/cancel":    "cancel",
	http.MethodGet + " /v1/quarantine":           "quarantine",
	http.MethodDelete + " /v1/quarantine/:id":    "release",
	http.MethodGet + " /v1/templates":            "templates",
	http.MethodGet + " /v1/agents":               "agents",
	http.MethodGet + " /health":                  "health",
	http.MethodGet + " /metrics":                 "metrics",
}

// actionFor maps a request to its task operation.
func actionFor(method, route string) string {
	if a, ok := actions[method+" "+route]; ok {
		return a
	}
	return "other"
}

// HTTPMetrics are the API's Prometheus collectors. Series are keyed by task
// operation, never by context id.
type HTTPMetrics struct {
	// Requests counts requests by operation and status code.
	Requests *prometheus.CounterVec
	// Duration observes request latency by operation.
	Duration *prometheus.HistogramVec
	// InFlight is the number of requests being served.
	InFlight prometheus.Gauge
	// Errors counts engine errors returned to clients, by error kind.
	Errors *prometheus.CounterVec
}

// NewHTTPMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests, by task operation and status code",
		}, []string{"action", "code"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskd",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API request latency in seconds, by task operation",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"action"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskd",
			Subsystem: "api",
			Name:      "requests_in_flight",
			Help:      "API requests currently being served",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskd",
			Subsystem: "api",
			Name:      "errors_total",
			Help:      "Engine errors returned to API clients, by kind",
		}, []string{"kind"}),
	}
}

// Middleware records every request once the error handler has set the
// final status.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.InFlight.Inc()
			defer m.InFlight.Dec()

			start := time.Now()
			err := next(c)

			action := actionFor(c.Request().Method, c.Path())
			m.Requests.WithLabelValues(action, strconv.Itoa(c.Response().Status)).Inc()
			m.Duration.WithLabelValues(action).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *HTTPMetrics) engineError(kind string) {
	if kind == "" {
		kind = "internal"
	}
	m.Errors.WithLabelValues(kind).Inc()
}
