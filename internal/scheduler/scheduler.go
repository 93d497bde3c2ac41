// Package scheduler drives background reconciliation passes from periodic,
// connectivity-restored and manual triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/service"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerPeriodic     Trigger = "periodic"
	TriggerConnectivity Trigger = "connectivity"
	TriggerManual       Trigger = "manual"
)

// Phase is the outcome of the last run for a trigger.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
	PhaseSkipped  Phase = "skipped"
)

// Status describes the most recent run of one trigger.
type Status struct {
	Trigger    Trigger
	Phase      Phase
	StartedAt  time.Time
	FinishedAt time.Time
	Attempts   int
	Report     service.ReconcileReport
	Message    string
}

// Reconciler is the part of the sync coordinator a run drives.
type Reconciler interface {
	ReconcilePending(ctx context.Context) (service.ReconcileReport, error)
	Refresh(ctx context.Context) error
}

// Reachability tells whether the server is currently reachable.
type Reachability interface {
	Online() bool
}

// Config holds scheduling parameters.
type Config struct {
	Interval       time.Duration // periodic trigger
	Attempts       int           // per run
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RunTimeout     time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Minute,
		Attempts:       3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		RunTimeout:     2 * time.Minute,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Sync) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithReachability sets the precondition checked by periodic triggers.
func WithReachability(r Reachability) Option {
	return func(s *Scheduler) { s.reach = r }
}

// Scheduler serializes runs through one worker. A trigger that is already
// queued or running is coalesced into that run.
type Scheduler struct {
	rec     Reconciler
	reach   Reachability
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Sync
	now     func() time.Time

	mu      sync.Mutex
	queue   []Trigger
	running Trigger
	status  map[Trigger]Status
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler. Zero fields in cfg take their defaults.
func New(rec Reconciler, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	s := &Scheduler{
		rec:    rec,
		cfg:    cfg,
		log:    zap.NewNop(),
		now:    time.Now,
		status: map[Trigger]Status{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the worker and the periodic ticker until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		close(s.done)
		s.log.Info("scheduler stopped")
	}()

	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval),
		zap.Int("attempts", s.cfg.Attempts))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.periodic()
		case <-s.wake:
			s.drain(ctx)
		}
	}
}

// Stop cancels Start and waits for the active run to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}

// TriggerNow requests a manual run.
func (s *Scheduler) TriggerNow() { s.enqueue(TriggerManual) }

// ConnectivityRestored requests the one-shot run for an offline to online transition.
func (s *Scheduler) ConnectivityRestored() { s.enqueue(TriggerConnectivity) }

// RunOnce performs one run for t on the caller's goroutine, for processes
// that do not Start the worker.
func (s *Scheduler) RunOnce(ctx context.Context, t Trigger) Status {
	s.run(ctx, t)
	return s.Status()[t]
}

// Status returns the last run of every trigger seen so far.
func (s *Scheduler) Status() map[Trigger]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Trigger]Status, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

func (s *Scheduler) periodic() {
	if s.reach != nil && !s.reach.Online() {
		now := s.now()
		s.setStatus(Status{Trigger: TriggerPeriodic, Phase: PhaseSkipped, StartedAt: now, FinishedAt: now,
			Message: "server unreachable"})
		s.metrics.SchedulerRun(string(TriggerPeriodic), string(PhaseSkipped), 0)
		s.log.Info("periodic sync skipped, offline")
		return
	}
	s.enqueue(TriggerPeriodic)
}

func (s *Scheduler) enqueue(t Trigger) {
	s.mu.Lock()
	if s.running == t {
		s.mu.Unlock()
		s.log.Debug("trigger coalesced into active run", zap.String("trigger", string(t)))
		return
	}
	for _, q := range s.queue {
		if q == t {
			s.mu.Unlock()
			s.log.Debug("trigger already queued", zap.String("trigger", string(t)))
			return
		}
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.running = t
		s.mu.Unlock()

		s.run(ctx, t)

		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()
	}
}

func (s *Scheduler) setStatus(st Status) {
	s.mu.Lock()
	s.status[st.Trigger] = st
	s.mu.Unlock()
}

// run performs one unit of work: reconcile then refresh, retried with backoff.
func (s *Scheduler) run(ctx context.Context, t Trigger) {
	st := Status{Trigger: t, Phase: PhaseRunning, StartedAt: s.now()}
	s.setStatus(st)
	s.log.Info("sync run started", zap.String("trigger", string(t)))

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	op := func() (service.ReconcileReport, error) {
		st.Attempts++
		rep, err := s.rec.ReconcilePending(runCtx)
		if err == nil {
			err = s.rec.Refresh(runCtx)
		}
		if errors.Is(err, errs.ErrUnauthorized) {
			// same token, same answer
			return rep, backoff.Permanent(err)
		}
		return rep, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	rep, err := backoff.Retry(runCtx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.Attempts)),
		backoff.WithMaxElapsedTime(s.cfg.RunTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("sync attempt failed, retrying", zap.String("trigger", string(t)),
				zap.Duration("backoff", next), zap.Error(err))
		}),
	)

	st.Report = rep
	st.FinishedAt = s.now()
	if err != nil {
		st.Phase = PhaseFailed
		st.Message = err.Error()
		s.log.Error("sync run failed", zap.String("trigger", string(t)),
			zap.Int("attempts", st.Attempts), zap.Error(err))
	} else {
		st.Phase = PhaseComplete
		st.Message = fmt.Sprintf("%d confirmed, %d failed", rep.Confirmed, rep.Failed)
		s.log.Info("sync run complete", zap.String("trigger", string(t)),
			zap.Int("attempts", st.Attempts), zap.Int("confirmed", rep.Confirmed), zap.Int("failed", rep.Failed))
	}
	s.setStatus(st)
	s.metrics.SchedulerRun(string(t), string(st.Phase), st.FinishedAt.Sub(st.StartedAt))
}
