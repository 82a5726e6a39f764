// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duochat",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duochat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duochat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Current number of connected websocket clients.",
		},
	)

	relayRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Current number of active conversation rooms.",
		},
	)

	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Messages relayed, by outcome.",
		},
		[]string{"outcome"},
	)

	relayDroppedClients = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "duochat",
			Subsystem: "relay",
			Name:      "dropped_clients_total",
			Help:      "Clients disconnected because their send buffer filled.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		relayConnections,
		relayRooms,
		relayMessages,
		relayDroppedClients,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the connection gauge.
func ConnectionOpened() { relayConnections.Inc() }

// ConnectionClosed decrements the connection gauge.
func ConnectionClosed() { relayConnections.Dec() }

// RoomOpened increments the room gauge.
func RoomOpened() { relayRooms.Inc() }

// RoomClosed decrements the room gauge.
func RoomClosed() { relayRooms.Dec() }

// MessageRelayed counts a relayed message by outcome ("delivered",
// "persisted", "rejected").
func MessageRelayed(outcome string) { relayMessages.WithLabelValues(outcome).Inc() }

// ClientDropped counts a slow consumer disconnect.
func ClientDropped() { relayDroppedClients.Inc() }

// statusRecorder captures the response status for labeling.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so websocket upgrades work
// behind the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// InstrumentHandler wraps an http.Handler with request counting and latency
// observation. The path label uses the supplied route pattern, not the raw
// URL, to bound cardinality.
func InstrumentHandler(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
