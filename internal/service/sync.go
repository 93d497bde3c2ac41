package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/live"
	"github.com/and161185/gophsync/internal/metrics"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/remote"
	"github.com/and161185/gophsync/internal/repository"
)

// SyncService is the offline-first coordinator between the local store, the REST
// backend and the live channel. Writes always succeed locally; remote failures
// leave rows Pending for the next reconciliation pass.
type SyncService interface {
	// Save stores r as Pending (assigning a local id when empty) and attempts a remote create.
	Save(ctx context.Context, r model.Record) (model.Record, error)
	// Update stores r as Pending under its id and attempts a remote update.
	Update(ctx context.Context, r model.Record) (model.Record, error)
	// Delete removes the local row and attempts a best-effort remote delete.
	Delete(ctx context.Context, id string) error
	// ReconcilePending pushes every Pending row with independent attempts.
	ReconcilePending(ctx context.Context) (ReconcileReport, error)
	// Refresh replaces Confirmed rows with the server's list, keeping Pending rows.
	Refresh(ctx context.Context) error
	// ApplyRemoteEvent applies one live event.
	ApplyRemoteEvent(ctx context.Context, ev model.Event) error
	// RunLive consumes the live channel until it closes, fails or ctx ends.
	RunLive(ctx context.Context) error
	// SetToken replaces the bearer token for subsequent calls and the next live connection.
	SetToken(token string)
	// Records returns the current snapshot.
	Records(ctx context.Context) ([]model.Record, error)
	// Watch streams snapshots of the record list.
	Watch(ctx context.Context) (<-chan []model.Record, error)
}

// TokenHolder is the process-wide bearer token (see session.Session).
type TokenHolder interface {
	Token() string
	SetToken(token string)
}

// LiveChannel is the subset of live.Channel the coordinator drives.
type LiveChannel interface {
	Open(ctx context.Context) (<-chan live.Message, error)
	Close() error
	Authorize(token string)
}

// AuthObserver is told when the backend rejects the current token.
type AuthObserver interface {
	Unauthorized(err error)
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Attempted int
	Confirmed int
	Failed    int
	Skipped   int // already in flight
}

// Event dispositions.
const (
	dispApplied  = "applied"
	dispDropped  = "dropped"
	dispDeferred = "deferred"
)

const defaultReconcileConcurrency = 4

// SyncOption configures SyncServiceImpl.
type SyncOption func(*SyncServiceImpl)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) SyncOption {
	return func(s *SyncServiceImpl) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Sync) SyncOption {
	return func(s *SyncServiceImpl) { s.metrics = m }
}

// WithAuthObserver sets the collaborator notified on rejected tokens.
func WithAuthObserver(o AuthObserver) SyncOption {
	return func(s *SyncServiceImpl) { s.auth = o }
}

// WithLiveOpened sets a callback run each time RunLive has opened the channel,
// before the first message is applied.
func WithLiveOpened(fn func()) SyncOption {
	return func(s *SyncServiceImpl) { s.liveOpened = fn }
}

// WithIDGenerator overrides local id generation.
func WithIDGenerator(gen func() (string, error)) SyncOption {
	return func(s *SyncServiceImpl) { s.newID = gen }
}

// WithReconcileConcurrency bounds parallel remote attempts in ReconcilePending.
func WithReconcileConcurrency(n int) SyncOption {
	return func(s *SyncServiceImpl) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

type SyncServiceImpl struct {
	store  repository.RecordStore
	remote remote.Client
	live   LiveChannel
	tokens TokenHolder

	log         *zap.Logger
	metrics     *metrics.Sync
	auth        AuthObserver
	liveOpened  func()
	newID       func() (string, error)
	concurrency int

	keys *keyLocks
	// bulk is held shared by per-row writers and exclusively by Refresh.
	bulk sync.RWMutex
	// applyMu orders live event application, including deferred flushes.
	applyMu sync.Mutex
	// gen changes on every per-row write; Refresh retries its list when it moved.
	gen atomic.Uint64

	mu       sync.Mutex
	inflight map[string]int // local id -> remote writes in flight
	creating int
	deferred []model.Event
}

var _ SyncService = (*SyncServiceImpl)(nil)

// NewSyncService wires the coordinator. live may be nil when no live channel is used.
func NewSyncService(store repository.RecordStore, rc remote.Client, lc LiveChannel, tokens TokenHolder, opts ...SyncOption) *SyncServiceImpl {
	s := &SyncServiceImpl{
		store:       store,
		remote:      rc,
		live:        lc,
		tokens:      tokens,
		log:         zap.NewNop(),
		newID:       newLocalID,
		concurrency: defaultReconcileConcurrency,
		keys:        newKeyLocks(),
		inflight:    map[string]int{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newLocalID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// lockIDs takes the shared bulk lock and the per-id locks.
func (s *SyncServiceImpl) lockIDs(ids ...string) func() {
	s.bulk.RLock()
	unlock := s.keys.lock(ids...)
	return func() {
		unlock()
		s.bulk.RUnlock()
	}
}

func (s *SyncServiceImpl) nextRev(ctx context.Context, id string) (model.Record, bool, error) {
	cur, err := s.store.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	return cur, true, nil
}

// beginLocked marks a remote write for id; creates also count toward event deferral.
// Callers hold s.mu.
func (s *SyncServiceImpl) beginLocked(id string, origin model.Origin) {
	s.inflight[id]++
	if origin == model.OriginCreate {
		s.creating++
	}
}

func (s *SyncServiceImpl) begin(id string, origin model.Origin) {
	s.mu.Lock()
	s.beginLocked(id, origin)
	s.mu.Unlock()
}

// tryBegin marks id only when nothing is in flight for it.
func (s *SyncServiceImpl) tryBegin(id string, origin model.Origin) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] > 0 {
		return false
	}
	s.beginLocked(id, origin)
	return true
}

func (s *SyncServiceImpl) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[id] > 0
}

// end clears the in-flight mark. Once no create remains in flight the deferred queue is applied.
func (s *SyncServiceImpl) end(ctx context.Context, id string, origin model.Origin) {
	s.mu.Lock()
	if s.inflight[id]--; s.inflight[id] <= 0 {
		delete(s.inflight, id)
	}
	flush := false
	if origin == model.OriginCreate {
		s.creating--
		flush = s.creating == 0 && len(s.deferred) > 0
	}
	s.mu.Unlock()

	if flush {
		s.applyMu.Lock()
		s.flushDeferred(context.WithoutCancel(ctx))
		s.applyMu.Unlock()
	}
}

func (s *SyncServiceImpl) dropDeferredLocked(id string) {
	kept := s.deferred[:0]
	for _, ev := range s.deferred {
		if ev.Payload.ID == id {
			s.metrics.LiveEvent(string(ev.Type), dispDropped)
			s.log.Debug("deferred event dropped", zap.String("id", id), zap.String("type", string(ev.Type)))
			continue
		}
		kept = append(kept, ev)
	}
	s.deferred = kept
}

// Save implements the create path.
func (s *SyncServiceImpl) Save(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		id, err := s.newID()
		if err != nil {
			return model.Record{}, fmt.Errorf("generate id: %w", err)
		}
		r.ID = id
	}

	unlock := s.lockIDs(r.ID)
	cur, found, err := s.nextRev(ctx, r.ID)
	if err != nil {
		unlock()
		return model.Record{}, err
	}
	if found && (cur.SyncState == model.Confirmed || cur.Origin == model.OriginUpdate) {
		// the server already knows this id
		unlock()
		return s.Update(ctx, r)
	}

	pending := r.AsPending(model.OriginCreate)
	pending.Rev = cur.Rev + 1
	if err := s.store.Put(ctx, pending); err != nil {
		unlock()
		return model.Record{}, err
	}
	s.gen.Add(1)
	send := s.tryBegin(pending.ID, model.OriginCreate)
	unlock()
	s.log.Debug("record saved", zap.String("id", pending.ID))

	if !send {
		// the create in flight will observe the newer rev
		return pending, nil
	}
	return s.pushCreate(ctx, pending), nil
}

// Update implements the edit path.
func (s *SyncServiceImpl) Update(ctx context.Context, r model.Record) (model.Record, error) {
	if r.ID == "" {
		return model.Record{}, fmt.Errorf("%w: update without id", errs.ErrInvalidArgument)
	}

	unlock := s.lockIDs(r.ID)
	cur, found, err := s.nextRev(ctx, r.ID)
	if err != nil {
		unlock()
		return model.Record{}, err
	}
	if !found {
		unlock()
		return model.Record{}, fmt.Errorf("update %s: %w", r.ID, errs.ErrNotFound)
	}

	origin := model.OriginUpdate
	if cur.SyncState == model.Pending && cur.Origin == model.OriginCreate {
		origin = model.OriginCreate
	}
	pending := r.AsPending(origin)
	pending.Rev = cur.Rev + 1
	if err := s.store.Put(ctx, pending); err != nil {
		unlock()
		return model.Record{}, err
	}
	s.gen.Add(1)

	if origin == model.OriginCreate {
		send := s.tryBegin(pending.ID, origin)
		unlock()
		if !send {
			return pending, nil
		}
		return s.pushCreate(ctx, pending), nil
	}
	s.begin(pending.ID, origin)
	unlock()
	return s.pushUpdate(ctx, pending), nil
}

// pushCreate sends a create that the caller already marked in flight and resolves it.
// It returns the best-known record.
func (s *SyncServiceImpl) pushCreate(ctx context.Context, sent model.Record) model.Record {
	defer s.end(ctx, sent.ID, model.OriginCreate)

	srv, err := s.remote.Create(ctx, sent, s.tokens.Token())
	if err != nil {
		s.absorb("create", sent.ID, err)
		return sent
	}
	s.metrics.RemoteAttempt("create", metrics.OutcomeOK)

	best, err := s.confirmCreate(context.WithoutCancel(ctx), sent, srv)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.log.Error("confirm create", zap.String("id", sent.ID), zap.Error(err))
		}
		return sent
	}
	return best
}

// confirmCreate swaps the local row for the server's. When the row was deleted locally
// while the create was in flight, the new server record is deleted too.
func (s *SyncServiceImpl) confirmCreate(ctx context.Context, sent, srv model.Record) (model.Record, error) {
	next, err := s.replaceCreated(ctx, sent, srv)
	if errors.Is(err, errs.ErrNotFound) {
		s.log.Info("created record was deleted locally", zap.String("id", srv.ID))
		if derr := s.remote.Delete(ctx, srv.ID, s.tokens.Token()); derr != nil && !errors.Is(derr, errs.ErrNotFound) {
			s.absorb("delete", srv.ID, derr)
		}
	}
	return next, err
}

func (s *SyncServiceImpl) replaceCreated(ctx context.Context, sent, srv model.Record) (model.Record, error) {
	unlock := s.lockIDs(sent.ID, srv.ID)
	defer unlock()

	// events queued for the server id predate this create's own result
	s.mu.Lock()
	s.dropDeferredLocked(srv.ID)
	s.mu.Unlock()

	cur, found, err := s.nextRev(ctx, sent.ID)
	if err != nil {
		return model.Record{}, err
	}
	if !found {
		return model.Record{}, fmt.Errorf("create %s: %w", sent.ID, errs.ErrNotFound)
	}

	var next model.Record
	if cur.Rev == sent.Rev {
		next = srv.AsConfirmed()
	} else {
		// a newer local edit superseded the sent value
		next = cur.AsPending(model.OriginUpdate)
		next.ID = srv.ID
	}
	next.Rev = cur.Rev + 1
	if err := s.store.Replace(ctx, sent.ID, next); err != nil {
		return model.Record{}, err
	}
	s.gen.Add(1)
	s.log.Debug("create confirmed", zap.String("local_id", sent.ID), zap.String("id", srv.ID),
		zap.Stringer("state", next.SyncState))
	return next, nil
}

// pushUpdate sends an update that the caller already marked in flight.
func (s *SyncServiceImpl) pushUpdate(ctx context.Context, sent model.Record) model.Record {
	defer s.end(ctx, sent.ID, model.OriginUpdate)

	srv, err := s.remote.Update(ctx, sent.ID, sent, s.tokens.Token())
	if err != nil {
		s.absorb("update", sent.ID, err)
		if errors.Is(err, errs.ErrNotFound) {
			s.recreateLater(context.WithoutCancel(ctx), sent)
		}
		return sent
	}
	s.metrics.RemoteAttempt("update", metrics.OutcomeOK)

	best, err := s.confirmUpdate(context.WithoutCancel(ctx), sent, srv)
	if err != nil {
		s.log.Error("confirm update", zap.String("id", sent.ID), zap.Error(err))
		return sent
	}
	return best
}

func (s *SyncServiceImpl) confirmUpdate(ctx context.Context, sent, srv model.Record) (model.Record, error) {
	unlock := s.lockIDs(sent.ID)
	defer unlock()

	cur, found, err := s.nextRev(ctx, sent.ID)
	if err != nil {
		return model.Record{}, err
	}
	if !found {
		return model.Record{}, fmt.Errorf("update %s: %w", sent.ID, errs.ErrNotFound)
	}
	if cur.Rev != sent.Rev || cur.SyncState != model.Pending {
		return cur, nil
	}
	next := srv.AsConfirmed()
	next.ID = sent.ID
	next.Rev = cur.Rev + 1
	if err := s.store.Put(ctx, next); err != nil {
		return model.Record{}, err
	}
	s.gen.Add(1)
	return next, nil
}

// recreateLater turns an update the server no longer knows into a pending create.
func (s *SyncServiceImpl) recreateLater(ctx context.Context, sent model.Record) {
	unlock := s.lockIDs(sent.ID)
	defer unlock()
	cur, found, err := s.nextRev(ctx, sent.ID)
	if err != nil || !found || cur.Rev != sent.Rev {
		return
	}
	next := cur.AsPending(model.OriginCreate)
	next.Rev = cur.Rev + 1
	if err := s.store.Put(ctx, next); err != nil {
		s.log.Error("mark record for re-create", zap.String("id", sent.ID), zap.Error(err))
		return
	}
	s.gen.Add(1)
	s.log.Info("server lost record, will re-create", zap.String("id", sent.ID))
}

// absorb logs and counts a remote failure without surfacing it to the caller.
func (s *SyncServiceImpl) absorb(op, id string, err error) {
	outcome := outcomeOf(err)
	s.metrics.RemoteAttempt(op, outcome)
	s.log.Warn("remote "+op+" failed, record stays pending",
		zap.String("id", id), zap.String("outcome", outcome), zap.Error(err))
	if errors.Is(err, errs.ErrUnauthorized) && s.auth != nil {
		s.auth.Unauthorized(err)
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, errs.ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, errs.ErrUnreachable):
		return metrics.OutcomeUnreachable
	case errors.Is(err, errs.ErrMalformed):
		return metrics.OutcomeMalformed
	case errors.Is(err, errs.ErrServerError), errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrConflict):
		return metrics.OutcomeServerError
	default:
		return metrics.OutcomeOther
	}
}

// Delete removes the local row. Rows the server knows are deleted remotely on a best-effort basis.
func (s *SyncServiceImpl) Delete(ctx context.Context, id string) error {
	unlock := s.lockIDs(id)
	cur, found, err := s.nextRev(ctx, id)
	if err != nil || !found {
		unlock()
		return err
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		unlock()
		return err
	}
	s.gen.Add(1)
	unlock()

	if cur.SyncState == model.Pending && cur.Origin == model.OriginCreate {
		// never reached the server, or the create in flight cleans up after itself
		return nil
	}
	if err := s.remote.Delete(ctx, id, s.tokens.Token()); err != nil && !errors.Is(err, errs.ErrNotFound) {
		s.absorb("delete", id, err)
		return nil
	}
	s.metrics.RemoteAttempt("delete", metrics.OutcomeOK)
	return nil
}

// ReconcilePending attempts every Pending row once. Per-record failures are independent;
// the pass fails only when the store cannot be read or every attempt failed.
func (s *SyncServiceImpl) ReconcilePending(ctx context.Context) (ReconcileReport, error) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list pending: %w", err)
	}

	var (
		rep      ReconcileReport
		repMu    sync.Mutex
		firstErr error
	)
	record := func(ok bool, err error) {
		repMu.Lock()
		defer repMu.Unlock()
		rep.Attempted++
		if ok {
			rep.Confirmed++
			return
		}
		rep.Failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, r := range pending {
		origin := r.Origin
		if origin == "" {
			origin = model.OriginUpdate
		}
		if !s.tryBegin(r.ID, origin) {
			repMu.Lock()
			rep.Skipped++
			repMu.Unlock()
			continue
		}
		g.Go(func() error {
			ok, err := s.reconcileOne(ctx, r, origin)
			record(ok, err)
			return nil
		})
	}
	_ = g.Wait()

	s.updatePendingGauge(ctx)
	s.log.Info("reconcile pass finished",
		zap.Int("attempted", rep.Attempted), zap.Int("confirmed", rep.Confirmed),
		zap.Int("failed", rep.Failed), zap.Int("skipped", rep.Skipped))

	if rep.Attempted > 0 && rep.Confirmed == 0 {
		return rep, fmt.Errorf("reconcile: all %d attempts failed: %w", rep.Attempted, firstErr)
	}
	return rep, nil
}

// reconcileOne pushes one row marked in flight by the caller.
func (s *SyncServiceImpl) reconcileOne(ctx context.Context, r model.Record, origin model.Origin) (bool, error) {
	if origin == model.OriginCreate {
		defer s.end(ctx, r.ID, origin)
		srv, err := s.remote.Create(ctx, r, s.tokens.Token())
		if err != nil {
			s.absorb("create", r.ID, err)
			return false, err
		}
		s.metrics.RemoteAttempt("create", metrics.OutcomeOK)
		if _, err := s.confirmCreate(ctx, r, srv); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return false, err
		}
		return true, nil
	}

	defer s.end(ctx, r.ID, origin)
	srv, err := s.remote.Update(ctx, r.ID, r, s.tokens.Token())
	if err != nil {
		s.absorb("update", r.ID, err)
		if errors.Is(err, errs.ErrNotFound) {
			s.recreateLater(ctx, r)
		}
		return false, err
	}
	s.metrics.RemoteAttempt("update", metrics.OutcomeOK)
	if _, err := s.confirmUpdate(ctx, r, srv); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return false, err
	}
	return true, nil
}

func (s *SyncServiceImpl) updatePendingGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if p, err := s.store.ListPending(ctx); err == nil {
		s.metrics.SetPending(len(p))
	}
}

const refreshAttempts = 3

// Refresh pulls the server list and swaps it in for the Confirmed rows.
func (s *SyncServiceImpl) Refresh(ctx context.Context) error {
	for i := 0; i < refreshAttempts; i++ {
		before := s.gen.Load()
		list, err := s.remote.List(ctx, s.tokens.Token())
		if err != nil {
			s.metrics.RemoteAttempt("list", outcomeOf(err))
			if errors.Is(err, errs.ErrUnauthorized) && s.auth != nil {
				s.auth.Unauthorized(err)
			}
			return fmt.Errorf("refresh: %w", err)
		}
		s.metrics.RemoteAttempt("list", metrics.OutcomeOK)

		confirmed := make([]model.Record, 0, len(list))
		for _, r := range list {
			confirmed = append(confirmed, r.AsConfirmed())
		}

		s.bulk.Lock()
		if s.gen.Load() != before {
			s.bulk.Unlock()
			s.log.Debug("store changed during refresh, listing again")
			continue
		}
		err = s.store.ReplaceConfirmed(ctx, confirmed)
		s.gen.Add(1)
		s.bulk.Unlock()
		if err != nil {
			return fmt.Errorf("refresh: %w", err)
		}
		s.log.Info("refreshed from server", zap.Int("records", len(confirmed)))
		return nil
	}
	return fmt.Errorf("refresh: store kept changing during %d list attempts", refreshAttempts)
}

// ApplyRemoteEvent applies a live event. Events are applied one at a time in call order.
func (s *SyncServiceImpl) ApplyRemoteEvent(ctx context.Context, ev model.Event) error {
	if !ev.Type.Valid() || ev.Payload.ID == "" {
		s.metrics.LiveEvent(string(ev.Type), "malformed")
		return fmt.Errorf("%w: event %q without id or type", errs.ErrMalformed, ev.Type)
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	flush := s.creating == 0 && len(s.deferred) > 0
	s.mu.Unlock()
	if flush {
		s.flushDeferred(ctx)
	}
	return s.apply(ctx, ev, true)
}

// flushDeferred applies queued events in arrival order. Callers hold applyMu.
func (s *SyncServiceImpl) flushDeferred(ctx context.Context) {
	s.mu.Lock()
	if s.creating > 0 {
		s.mu.Unlock()
		return
	}
	queue := s.deferred
	s.deferred = nil
	s.mu.Unlock()

	for _, ev := range queue {
		if err := s.apply(ctx, ev, false); err != nil {
			s.log.Warn("apply deferred event", zap.String("id", ev.Payload.ID), zap.Error(err))
		}
	}
}

func (s *SyncServiceImpl) apply(ctx context.Context, ev model.Event, allowDefer bool) error {
	id := ev.Payload.ID
	unlock := s.lockIDs(id)
	defer unlock()

	if ev.Type == model.EventDeleted {
		if err := s.store.DeleteByID(ctx, id); err != nil {
			return err
		}
		s.gen.Add(1)
		s.mu.Lock()
		s.dropDeferredLocked(id)
		s.mu.Unlock()
		s.metrics.LiveEvent(string(ev.Type), dispApplied)
		return nil
	}

	cur, found, err := s.nextRev(ctx, id)
	if err != nil {
		return err
	}

	if allowDefer && s.shouldDefer(ev, found) {
		s.log.Debug("event deferred while a create is in flight", zap.String("id", id))
		s.metrics.LiveEvent(string(ev.Type), dispDeferred)
		return nil
	}

	if ev.Type == model.EventUpdated && found && cur.SyncState == model.Pending {
		// a live event never silently overwrites an unconfirmed local edit;
		// the pending write resolves this id on its next push
		s.log.Debug("event dropped for pending record", zap.String("id", id))
		s.metrics.LiveEvent(string(ev.Type), dispDropped)
		return nil
	}

	next := ev.Payload.AsConfirmed()
	next.Rev = cur.Rev + 1
	if err := s.store.Put(ctx, next); err != nil {
		return err
	}
	s.gen.Add(1)
	s.metrics.LiveEvent(string(ev.Type), dispApplied)
	return nil
}

// shouldDefer queues updates for unknown ids while a create is in flight, and any
// event for an id that already has queued events. Callers hold the id lock.
func (s *SyncServiceImpl) shouldDefer(ev model.Event, found bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := false
	for _, d := range s.deferred {
		if d.Payload.ID == ev.Payload.ID {
			queued = true
			break
		}
	}
	if queued || (ev.Type == model.EventUpdated && !found && s.creating > 0) {
		s.deferred = append(s.deferred, ev)
		return true
	}
	return false
}

// RunLive opens the live channel and applies its messages until it ends.
// It returns nil on an orderly close and the failure otherwise.
func (s *SyncServiceImpl) RunLive(ctx context.Context) error {
	if s.live == nil {
		return errors.New("no live channel configured")
	}
	msgs, err := s.live.Open(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrUnauthorized) && s.auth != nil {
			s.auth.Unauthorized(err)
		}
		return fmt.Errorf("open live channel: %w", err)
	}
	defer func() { _ = s.live.Close() }()
	if s.liveOpened != nil {
		s.liveOpened()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			switch m.Kind {
			case live.KindEvent:
				if err := s.ApplyRemoteEvent(ctx, m.Event); err != nil {
					s.log.Warn("live event not applied", zap.String("id", m.Event.Payload.ID), zap.Error(err))
				}
			case live.KindMalformed:
				s.metrics.LiveEvent("unknown", "malformed")
				s.log.Warn("malformed live message dropped", zap.Error(m.Err))
			case live.KindClosed:
				return nil
			case live.KindFailure:
				return m.Err
			}
		}
	}
}

// SetToken updates the token for remote calls and the next live connection.
func (s *SyncServiceImpl) SetToken(token string) {
	s.tokens.SetToken(token)
	if s.live != nil {
		s.live.Authorize(token)
	}
}

// Records returns the current snapshot.
func (s *SyncServiceImpl) Records(ctx context.Context) ([]model.Record, error) {
	return s.store.List(ctx)
}

// Watch streams snapshots of the record list.
func (s *SyncServiceImpl) Watch(ctx context.Context) (<-chan []model.Record, error) {
	return s.store.Watch(ctx)
}

// InFlight reports whether a remote write for id is outstanding.
func (s *SyncServiceImpl) InFlight(id string) bool { return s.inFlight(id) }
