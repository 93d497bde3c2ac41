package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/gophsync/internal/connectivity"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/model"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the local store synchronized until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.run(cmd.Context())
		},
	}
}

// run starts the scheduler, the connectivity monitor, the live loop and the
// optional metrics endpoint, and returns when ctx ends or one of them fails.
func (a *app) run(ctx context.Context) error {
	a.log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("server", a.cfg.ServerURL),
		zap.String("store", a.cfg.Store),
	)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sched.Start(ctx) })
	g.Go(func() error { return a.mon.Run(ctx) })
	g.Go(func() error {
		return liveLoop(ctx, a.sync, a.mon.Transitions(ctx), a.liveLostSession, a.log.Named("live"))
	})
	g.Go(func() error {
		// a daemon without a watcher still reloads on the next rejected call
		if err := a.session.Watch(ctx, a.log.Named("session"), a.tokenChanged); err != nil {
			a.log.Warn("session file not watched", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return a.logSnapshots(ctx) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, a.cfg.MetricsAddr, metrics.Handler(a.reg), a.log) })
	}

	// catch up on whatever was left pending by earlier processes
	a.sched.TriggerNow()

	err := g.Wait()
	a.log.Info("shutdown complete")
	return err
}

func (a *app) logSnapshots(ctx context.Context) error {
	snaps, err := a.sync.Watch(ctx)
	if err != nil {
		return err
	}
	for rows := range snaps {
		pending := 0
		for _, r := range rows {
			if r.SyncState == model.Pending {
				pending++
			}
		}
		a.log.Debug("store changed", zap.Int("records", len(rows)), zap.Int("pending", pending))
	}
	return nil
}

// liveRunner is the part of the coordinator the live loop drives.
type liveRunner interface {
	RunLive(ctx context.Context) error
}

// liveLoop keeps one live session open while the server is reachable. Going
// offline ends the session; coming back online opens a new one. onLost is
// called whenever a session ends while the loop is still running.
func liveLoop(ctx context.Context, lr liveRunner, transitions <-chan connectivity.Transition, onLost func(), log *zap.Logger) error {
	var (
		wg   sync.WaitGroup
		stop = func() {}
	)
	defer func() {
		stop()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			stop()
			wg.Wait()
			stop = func() {}
			onLost()
			if !tr.Online {
				continue
			}
			sctx, cancel := context.WithCancel(ctx)
			stop = cancel
			wg.Add(1)
			go func() {
				defer wg.Done()
				keepLive(sctx, lr, newLiveBackoff(), onLost, log)
			}()
		}
	}
}

func newLiveBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// keepLive reopens the live channel after b's delay until ctx ends. An orderly
// close resets the delay.
func keepLive(ctx context.Context, lr liveRunner, b backoff.BackOff, onLost func(), log *zap.Logger) {
	for {
		err := lr.RunLive(ctx)
		if ctx.Err() != nil {
			return
		}
		onLost()
		if err == nil {
			b.Reset()
		}
		wait := b.NextBackOff()
		log.Info("live channel ended, reopening", zap.Duration("in", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func serveMetrics(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
