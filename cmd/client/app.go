package main

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/config"
	"github.com/and161185/gophsync/internal/connectivity"
	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/live"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/remote"
	"github.com/and161185/gophsync/internal/repository"
	"github.com/and161185/gophsync/internal/repository/memory"
	"github.com/and161185/gophsync/internal/repository/sqlite"
	"github.com/and161185/gophsync/internal/scheduler"
	"github.com/and161185/gophsync/internal/service"
	"github.com/and161185/gophsync/internal/session"
)

const remoteTimeout = 15 * time.Second

// closableStore is a record store owned by the process.
type closableStore interface {
	repository.RecordStore
	Close() error
}

// app is the dependency root: store, session, remote client, live channel,
// coordinator, connectivity monitor and scheduler, built in that order.
type app struct {
	cfg     config.Client
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Sync

	store   closableStore
	session *session.Session
	remote  *remote.HTTPClient
	live    *live.Channel
	sync    *service.SyncServiceImpl
	sched   *scheduler.Scheduler
	mon     *connectivity.Monitor

	// liveLost is set when a live session ended; the next open resyncs.
	liveLost atomic.Bool
}

func openStore(cfg config.Client) (closableStore, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.NewRecordStore(), nil
	default:
		st, err := sqlite.Open(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("open record store: %w", err)
		}
		return st, nil
	}
}

func newApp(cfg config.Client, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, reg: prometheus.NewRegistry()}
	a.metrics = metrics.NewSync(a.reg)

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	a.session = session.New(cfg.TokenFile)
	if err := a.session.Load(); err != nil {
		if !errors.Is(err, errs.ErrUnauthorized) {
			_ = st.Close()
			return nil, fmt.Errorf("load session: %w", err)
		}
		log.Info("no valid session, remote calls will be rejected until login", zap.Error(err))
	}

	a.remote = remote.New(cfg.ServerURL, &http.Client{Timeout: remoteTimeout})
	a.live = live.New(cfg.WSURL, websocket.DefaultDialer, log.Named("live"))
	a.live.Authorize(a.session.Token())

	a.sync = service.NewSyncService(a.store, a.remote, a.live, a.session,
		service.WithLogger(log.Named("sync")),
		service.WithMetrics(a.metrics),
		service.WithAuthObserver(a),
		service.WithLiveOpened(a.liveOpened),
	)
	probe := connectivity.NewHTTPProbe(cfg.ServerURL, 0, log.Named("probe"))
	a.mon = connectivity.NewMonitor(probe, cfg.ProbeInterval,
		connectivity.WithLogger(log.Named("connectivity")),
		connectivity.WithMetrics(a.metrics),
		connectivity.WithRestorer(a),
		connectivity.WithIndicator(connectivity.LogIndicator{Log: log}),
	)
	a.sched = scheduler.New(a.sync, scheduler.Config{
		Interval:   cfg.SyncInterval,
		Attempts:   cfg.RetryAttempts,
		RunTimeout: cfg.ReconcileTimeout,
	},
		scheduler.WithLogger(log.Named("scheduler")),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithReachability(a.mon),
	)
	return a, nil
}

// Unauthorized re-reads the session file, since `syncd login` may have written
// a fresh token since this process loaded it, and prompts for a login otherwise.
func (a *app) Unauthorized(err error) {
	tok, changed, rerr := a.session.Reload()
	if rerr != nil {
		a.log.Warn("reload session file", zap.Error(rerr))
	}
	if changed {
		a.tokenChanged(tok)
		return
	}
	a.log.Warn("server rejected the session token, run `syncd login`", zap.Error(err))
}

// tokenChanged applies a token written by another process: remote calls use it
// at once, the live channel is dropped so that it reopens with it, and a sync
// run retries whatever the old token could not push.
func (a *app) tokenChanged(tok string) {
	a.sync.SetToken(tok)
	a.log.Info("session token reloaded", zap.Bool("loggedIn", tok != ""))
	_ = a.live.Close()
	if tok != "" {
		a.sched.TriggerNow()
	}
}

// liveLostSession records that live events may have been missed.
func (a *app) liveLostSession() { a.liveLost.Store(true) }

// liveOpened runs a catch-up sync when the channel reopens after a lost
// session; events published in between never reach this client.
func (a *app) liveOpened() {
	if a.liveLost.Swap(false) {
		a.log.Info("live channel reopened, resynchronizing")
		a.sched.TriggerNow()
	}
}

// ConnectivityRestored forwards the monitor's restore signal to the scheduler.
func (a *app) ConnectivityRestored() { a.sched.ConnectivityRestored() }

func (a *app) Close() {
	_ = a.live.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close record store", zap.Error(err))
	}
}
