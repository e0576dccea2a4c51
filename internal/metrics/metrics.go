package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_queue_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clinic_queue_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_queue_tickets_issued_total",
			Help: "Total number of queue tickets issued",
		},
		[]string{"service"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_queue_transitions_total",
			Help: "Total number of ticket state transitions",
		},
		[]string{"action"},
	)

	callNext = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinic_queue_call_next_total",
			Help: "Total number of call-next requests by outcome",
		},
		[]string{"result"},
	)

	conflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clinic_queue_conflict_retries_total",
			Help: "Total number of store operations retried after a concurrent update",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by chi route pattern.
// It must be installed on the chi router so the pattern is resolved.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func RecordTicketIssued(serviceID string) {
	ticketsIssued.WithLabelValues(serviceID).Inc()
}

func RecordTransition(action string) {
	transitions.WithLabelValues(action).Inc()
}

// RecordCallNext counts call-next outcomes: "assigned", "empty" or "error".
func RecordCallNext(result string) {
	callNext.WithLabelValues(result).Inc()
}

func RecordConflictRetry() {
	conflictRetries.Inc()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
