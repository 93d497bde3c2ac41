// Package connectivity observes server reachability and turns raw probe
// results into deduplicated online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/metrics"
)

// Probe reports whether the server can be reached right now.
type Probe interface {
	Reachable(ctx context.Context) bool
}

// Indicator is the offline-mode UI collaborator.
type Indicator interface {
	Offline()
	Online()
}

// Restorer receives the one-shot trigger for an offline to online transition.
type Restorer interface {
	ConnectivityRestored()
}

// Transition is one change of reachability. Initial marks the first observation.
type Transition struct {
	Online  bool
	At      time.Time
	Initial bool
}

const subscriberBuffer = 16

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Monitor) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(s *metrics.Sync) Option {
	return func(m *Monitor) { m.metrics = s }
}

// WithRestorer sets the collaborator notified when the server becomes reachable again.
func WithRestorer(r Restorer) Option {
	return func(m *Monitor) { m.restorer = r }
}

// WithIndicator sets the offline-mode indicator.
func WithIndicator(i Indicator) Option {
	return func(m *Monitor) { m.indicator = i }
}

// Monitor polls a Probe and publishes transitions.
type Monitor struct {
	probe     Probe
	interval  time.Duration
	log       *zap.Logger
	metrics   *metrics.Sync
	restorer  Restorer
	indicator Indicator
	now       func() time.Time

	mu     sync.Mutex
	known  bool
	online bool
	last   Transition
	subs   map[chan Transition]struct{}
}

// NewMonitor creates a monitor polling probe every interval.
func NewMonitor(probe Probe, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		probe:    probe,
		interval: interval,
		log:      zap.NewNop(),
		now:      time.Now,
		subs:     map[chan Transition]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Online reports the last observed state; false until the first observation.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.online
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Observe(m.probe.Reachable(ctx))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Observe(m.probe.Reachable(ctx))
		}
	}
}

// Observe records one reachability sample. Repeated samples are ignored.
func (m *Monitor) Observe(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	initial := !m.known
	m.known = true
	m.online = online
	tr := Transition{Online: online, At: m.now(), Initial: initial}
	m.last = tr
	for ch := range m.subs {
		select {
		case ch <- tr:
		default:
			m.log.Warn("transition subscriber lagging, dropped", zap.Bool("online", online))
		}
	}
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	if online {
		m.log.Info("server reachable", zap.Bool("initial", initial))
		if m.indicator != nil {
			m.indicator.Online()
		}
		if !initial && m.restorer != nil {
			m.restorer.ConnectivityRestored()
		}
		return
	}
	m.log.Info("server unreachable, working offline", zap.Bool("initial", initial))
	if m.indicator != nil {
		m.indicator.Offline()
	}
}

// Transitions returns a stream that starts with the current state, when known,
// and then carries every transition. Calling it again starts a new stream.
// The stream closes when ctx is done.
func (m *Monitor) Transitions(ctx context.Context) <-chan Transition {
	ch := make(chan Transition, subscriberBuffer)
	m.mu.Lock()
	if m.known {
		cur := m.last
		cur.Initial = true
		ch <- cur
	}
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}
