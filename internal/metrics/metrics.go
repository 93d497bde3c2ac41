// Package metrics holds the Prometheus collectors of the sync client and the backend.
// Every recorder is nil-safe so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gophsync"

// Outcomes of a remote attempt.
const (
	OutcomeOK           = "ok"
	OutcomeUnreachable  = "unreachable"
	OutcomeUnauthorized = "unauthorized"
	OutcomeServerError  = "server_error"
	OutcomeMalformed    = "malformed"
	OutcomeOther        = "other"
)

// Sync holds the client-side collectors.
type Sync struct {
	remoteAttempts *prometheus.CounterVec
	events         *prometheus.CounterVec
	pending        prometheus.Gauge
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	online         prometheus.Gauge
}

// NewSync registers the client collectors on reg. A nil reg returns nil (no-op metrics).
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		return nil
	}
	m := &Sync{
		remoteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "remote_attempts_total",
			Help: "Remote client calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "live_events_total",
			Help: "Live channel events by type and disposition.",
		}, []string{"type", "disposition"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "pending_records",
			Help: "Records not yet acknowledged by the server.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "runs_total",
			Help: "Scheduler runs by trigger and phase.",
		}, []string{"trigger", "phase"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "run_duration_seconds",
			Help:    "Duration of scheduler runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"trigger"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connectivity", Name: "online",
			Help: "1 when the server is reachable.",
		}),
	}
	reg.MustRegister(m.remoteAttempts, m.events, m.pending, m.runs, m.runDuration, m.online)
	return m
}

// RemoteAttempt counts one remote call.
func (m *Sync) RemoteAttempt(op, outcome string) {
	if m == nil {
		return
	}
	m.remoteAttempts.WithLabelValues(op, outcome).Inc()
}

// LiveEvent counts one live event; disposition is applied, dropped, deferred or malformed.
func (m *Sync) LiveEvent(eventType, disposition string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, disposition).Inc()
}

// SetPending records the current number of pending rows.
func (m *Sync) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// SchedulerRun records a finished scheduler run.
func (m *Sync) SchedulerRun(trigger, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger, phase).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// SetOnline records reachability.
func (m *Sync) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// Server holds the backend collectors.
type Server struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	sockets   prometheus.Gauge
	broadcast prometheus.Counter
}

// NewServer registers the backend collectors on reg. A nil reg returns nil.
func NewServer(reg prometheus.Registerer) *Server {
	if reg == nil {
		return nil
	}
	m := &Server{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open WebSocket connections.",
		}),
		broadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "broadcasts_total",
			Help: "Events broadcast to WebSocket clients.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.sockets, m.broadcast)
	return m
}

// Request records one served HTTP request.
func (m *Server) Request(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, method, http.StatusText(status)).Inc()
	m.duration.WithLabelValues(route, method).Observe(d.Seconds())
}

// SocketDelta adjusts the open socket gauge.
func (m *Server) SocketDelta(d int) {
	if m == nil {
		return
	}
	m.sockets.Add(float64(d))
}

// Broadcast counts one broadcast event.
func (m *Server) Broadcast() {
	if m == nil {
		return
	}
	m.broadcast.Inc()
}

// Handler exposes the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
