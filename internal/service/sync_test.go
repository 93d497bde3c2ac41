package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/live"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/remote"
	"github.com/and161185/gophsync/internal/repository/memory"
	"github.com/and161185/gophsync/internal/session"
)

type fakeRemote struct {
	mu     sync.Mutex
	nextID int
	calls  []string
	tokens []string

	createFn func(ctx context.Context, r model.Record) (model.Record, error)
	updateFn func(ctx context.Context, id string, r model.Record) (model.Record, error)
	listFn   func(ctx context.Context) ([]model.Record, error)
	deleteFn func(ctx context.Context, id string) error
}

var _ remote.Client = (*fakeRemote)(nil)

func (f *fakeRemote) note(call, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.tokens = append(f.tokens, token)
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) List(ctx context.Context, token string) ([]model.Record, error) {
	f.note("list", token)
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return nil, nil
}

func (f *fakeRemote) Create(ctx context.Context, r model.Record, token string) (model.Record, error) {
	f.note("create "+r.ID, token)
	if f.createFn != nil {
		return f.createFn(ctx, r)
	}
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()
	out := r
	out.ID = id
	return out, nil
}

func (f *fakeRemote) Update(ctx context.Context, id string, r model.Record, token string) (model.Record, error) {
	f.note("update "+id, token)
	if f.updateFn != nil {
		return f.updateFn(ctx, id, r)
	}
	return r, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string, token string) error {
	f.note("delete "+id, token)
	if f.deleteFn != nil {
		return f.deleteFn(ctx, id)
	}
	return nil
}

type fakeLive struct {
	mu         sync.Mutex
	msgs       chan live.Message
	openErr    error
	authorized []string
	closed     int
}

func (f *fakeLive) Open(context.Context) (<-chan live.Message, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.msgs, nil
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeLive) Authorize(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized = append(f.authorized, token)
}

type authSpy struct {
	mu    sync.Mutex
	calls int
}

func (a *authSpy) Unauthorized(error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
}

func (a *authSpy) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	svc    *SyncServiceImpl
	store  *memory.RecordStore
	remote *fakeRemote
	live   *fakeLive
	sess   *session.Session
	auth   *authSpy
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewRecordStore(),
		remote: &fakeRemote{},
		live:   &fakeLive{msgs: make(chan live.Message, 16)},
		sess:   session.New(""),
		auth:   &authSpy{},
	}
	h.sess.SetToken("tok")
	n := 0
	var idMu sync.Mutex
	h.svc = NewSyncService(h.store, h.remote, h.live, h.sess,
		WithLogger(zaptest.NewLogger(t)),
		WithAuthObserver(h.auth),
		WithIDGenerator(func() (string, error) {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("local-%d", n), nil
		}),
	)
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

func (h *harness) all(t *testing.T) []model.Record {
	t.Helper()
	out, err := h.store.List(context.Background())
	require.NoError(t, err)
	return out
}

func (h *harness) get(t *testing.T, id string) (model.Record, bool) {
	t.Helper()
	r, err := h.store.Get(context.Background(), id)
	if errors.Is(err, errs.ErrNotFound) {
		return model.Record{}, false
	}
	require.NoError(t, err)
	return r, true
}

// gate blocks a fake remote call until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate { return &gate{started: make(chan struct{}, 1), release: make(chan struct{})} }

func (g *gate) wait(ctx context.Context) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var desk = model.Record{Title: "Desk", Price: 100, Date: "2024-01-01", Sold: false}

func TestSave_PendingBeforeNetworkThenConfirmedUnderServerID(t *testing.T) {
	h := newHarness(t)
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}

	done := make(chan model.Record)
	go func() {
		r, err := h.svc.Save(context.Background(), desk)
		assert.NoError(t, err)
		done <- r
	}()

	<-g.started
	rows := h.all(t)
	require.Len(t, rows, 1)
	require.NotEmpty(t, rows[0].ID)
	require.Equal(t, model.Pending, rows[0].SyncState)
	require.True(t, rows[0].SameContent(desk))
	localID := rows[0].ID

	close(g.release)
	got := <-done
	require.Equal(t, "srv-1", got.ID)
	require.Equal(t, model.Confirmed, got.SyncState)

	rows = h.all(t)
	require.Len(t, rows, 1)
	require.Equal(t, "srv-1", rows[0].ID)
	require.Equal(t, model.Confirmed, rows[0].SyncState)
	require.True(t, rows[0].SameContent(desk))
	_, found := h.get(t, localID)
	require.False(t, found)
	require.False(t, h.svc.InFlight(localID))
}

func TestSave_RemoteFailureKeepsPendingAndSucceedsLocally(t *testing.T) {
	for _, remoteErr := range []error{errs.ErrUnreachable, errs.ErrServerError, errs.ErrUnauthorized} {
		t.Run(remoteErr.Error(), func(t *testing.T) {
			h := newHarness(t)
			h.remote.createFn = func(context.Context, model.Record) (model.Record, error) {
				return model.Record{}, fmt.Errorf("wrapped: %w", remoteErr)
			}

			got, err := h.svc.Save(context.Background(), desk)
			require.NoError(t, err)
			require.Equal(t, model.Pending, got.SyncState)
			require.Equal(t, "local-1", got.ID)

			stored, ok := h.get(t, "local-1")
			require.True(t, ok)
			require.Equal(t, model.Pending, stored.SyncState)
			require.Equal(t, model.OriginCreate, stored.Origin)
			require.True(t, stored.SameContent(desk))

			wantAuth := 0
			if errors.Is(remoteErr, errs.ErrUnauthorized) {
				wantAuth = 1
			}
			require.Equal(t, wantAuth, h.auth.Calls())
		})
	}
}

func TestSave_UsesLatestToken(t *testing.T) {
	h := newHarness(t)
	h.svc.SetToken("fresh")
	_, err := h.svc.Save(context.Background(), desk)
	require.NoError(t, err)

	h.remote.mu.Lock()
	defer h.remote.mu.Unlock()
	require.Equal(t, []string{"fresh"}, h.remote.tokens)
	require.Equal(t, []string{"fresh"}, h.live.authorized)
	require.Equal(t, "fresh", h.sess.Token())
}

func TestUpdate_ConfirmedAndFailurePaths(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	saved, err := h.svc.Save(ctx, desk)
	require.NoError(t, err)
	require.Equal(t, "srv-1", saved.ID)

	edit := saved
	edit.Price = 150
	got, err := h.svc.Update(ctx, edit)
	require.NoError(t, err)
	require.Equal(t, model.Confirmed, got.SyncState)
	require.Equal(t, "srv-1", got.ID, "update never rewrites the id")
	require.Contains(t, h.remote.Calls(), "update srv-1")

	h.remote.updateFn = func(context.Context, string, model.Record) (model.Record, error) {
		return model.Record{}, errs.ErrUnreachable
	}
	edit.Price = 175
	got, err = h.svc.Update(ctx, edit)
	require.NoError(t, err)
	require.Equal(t, model.Pending, got.SyncState)
	stored, _ := h.get(t, "srv-1")
	require.Equal(t, int64(175), stored.Price)
	require.Equal(t, model.OriginUpdate, stored.Origin)

	_, err = h.svc.Update(ctx, model.Record{ID: "missing", Title: "x"})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.svc.Update(ctx, model.Record{Title: "x"})
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestSave_ExistingConfirmedIDRoutesToUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "srv-9", Title: "Old", SyncState: model.Confirmed}))

	got, err := h.svc.Save(ctx, model.Record{ID: "srv-9", Title: "New"})
	require.NoError(t, err)
	require.Equal(t, "srv-9", got.ID)
	require.Equal(t, []string{"update srv-9"}, h.remote.Calls())
}

func TestReconcilePending_ThreePendingOneFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.createFn = func(context.Context, model.Record) (model.Record, error) {
		return model.Record{}, errs.ErrUnreachable
	}
	for _, title := range []string{"a", "b", "c"} {
		_, err := h.svc.Save(ctx, model.Record{Title: title, Price: 1})
		require.NoError(t, err)
	}
	pending, err := h.store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	h.remote.createFn = func(_ context.Context, r model.Record) (model.Record, error) {
		if r.Title == "b" {
			return model.Record{}, errs.ErrServerError
		}
		out := r
		out.ID = "srv-" + r.Title
		return out, nil
	}

	rep, err := h.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Attempted: 3, Confirmed: 2, Failed: 1}, rep)

	rows := h.all(t)
	require.Len(t, rows, 3, "no row duplicated or lost")
	states := map[string]model.SyncState{}
	for _, r := range rows {
		states[r.ID] = r.SyncState
	}
	require.Equal(t, map[string]model.SyncState{
		"srv-a":   model.Confirmed,
		"local-2": model.Pending,
		"srv-c":   model.Confirmed,
	}, states)
}

func TestReconcilePending_IdempotentWhenRemoteFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.createFn = func(context.Context, model.Record) (model.Record, error) {
		return model.Record{}, errs.ErrUnreachable
	}
	for _, title := range []string{"a", "b"} {
		_, err := h.svc.Save(ctx, model.Record{Title: title})
		require.NoError(t, err)
	}
	before, err := h.store.ListPending(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rep, err := h.svc.ReconcilePending(ctx)
		require.ErrorIs(t, err, errs.ErrUnreachable)
		require.Equal(t, 2, rep.Failed)

		after, err := h.store.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, before, after, "no duplicate rows, no id drift")
	}
	require.Len(t, h.all(t), 2)
}

func TestReconcilePending_NothingPending(t *testing.T) {
	h := newHarness(t)
	rep, err := h.svc.ReconcilePending(context.Background())
	require.NoError(t, err)
	require.Zero(t, rep.Attempted)
	require.Empty(t, h.remote.Calls())
}

func TestReconcilePending_UpdateOriginUsesUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "srv-1", Title: "x", Rev: 1}.AsPending(model.OriginUpdate)))

	rep, err := h.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Confirmed)
	require.Equal(t, []string{"update srv-1"}, h.remote.Calls())
	got, _ := h.get(t, "srv-1")
	require.Equal(t, model.Confirmed, got.SyncState)
}

func TestReconcilePending_UpdateOfRecordServerLostIsRecreated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "srv-1", Title: "x", Rev: 1}.AsPending(model.OriginUpdate)))
	h.remote.updateFn = func(context.Context, string, model.Record) (model.Record, error) {
		return model.Record{}, remote.NewHTTPError(404, "PUT", "/api/product/srv-1", "Product not found")
	}

	_, err := h.svc.ReconcilePending(ctx)
	require.Error(t, err)
	got, _ := h.get(t, "srv-1")
	require.Equal(t, model.OriginCreate, got.Origin)

	_, err = h.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	rows := h.all(t)
	require.Len(t, rows, 1)
	require.Equal(t, "srv-1", rows[0].ID)
	require.Equal(t, model.Confirmed, rows[0].SyncState)
}

func TestApplyRemoteEvent_CreatedUpdatedDeletedSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := model.Record{ID: "A", Title: "Lamp", Price: 1}
	b := model.Record{ID: "B", Title: "Rug", Price: 2}

	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventCreated, Payload: a}))
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventCreated, Payload: b}))
	a5 := a
	a5.Price = 5
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated, Payload: a5}))
	got, _ := h.get(t, "A")
	require.Equal(t, int64(5), got.Price)
	require.Equal(t, model.Confirmed, got.SyncState)

	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventDeleted, Payload: a5}))
	_, found := h.get(t, "A")
	require.False(t, found)
	_, found = h.get(t, "B")
	require.True(t, found)

	// deleting an absent id is a no-op
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventDeleted, Payload: a5}))
}

func TestApplyRemoteEvent_Malformed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	err := h.svc.ApplyRemoteEvent(ctx, model.Event{Type: "renamed", Payload: model.Record{ID: "A"}})
	require.ErrorIs(t, err, errs.ErrMalformed)
	err = h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventCreated})
	require.ErrorIs(t, err, errs.ErrMalformed)
	require.Empty(t, h.all(t))
}

func TestApplyRemoteEvent_UpdatedDroppedForPendingRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "X", Title: "mine", Price: 10, Rev: 1}.AsPending(model.OriginUpdate)))

	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated,
		Payload: model.Record{ID: "X", Title: "theirs", Price: 99}}))
	got, _ := h.get(t, "X")
	require.Equal(t, "mine", got.Title)
	require.Equal(t, model.Pending, got.SyncState)

	// created and deleted still apply unconditionally
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventCreated,
		Payload: model.Record{ID: "X", Title: "theirs"}}))
	got, _ = h.get(t, "X")
	require.Equal(t, "theirs", got.Title)
	require.Equal(t, model.Confirmed, got.SyncState)
}

func TestApplyRemoteEvent_UpdatedForUnknownIDInsertsWhenIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.ApplyRemoteEvent(context.Background(), model.Event{Type: model.EventUpdated,
		Payload: model.Record{ID: "Z", Title: "z"}}))
	got, ok := h.get(t, "Z")
	require.True(t, ok)
	require.Equal(t, model.Confirmed, got.SyncState)
}

func TestTieBreak_UpdatedForEventualServerIDIsDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.svc.Save(ctx, desk)
		assert.NoError(t, err)
	}()
	<-g.started

	stale := desk
	stale.ID = "srv-1"
	stale.Price = 1
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated, Payload: stale}))
	_, found := h.get(t, "srv-1")
	require.False(t, found, "event must not insert a row the create will replace")

	close(g.release)
	<-done

	rows := h.all(t)
	require.Len(t, rows, 1)
	require.Equal(t, "srv-1", rows[0].ID)
	require.Equal(t, int64(100), rows[0].Price, "the create's own insert survives")
	require.Equal(t, model.Confirmed, rows[0].SyncState)
}

func TestDeferredEventsForOtherIDsAreFlushedInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Save(ctx, desk)
	}()
	<-g.started

	z1 := model.Record{ID: "Z", Title: "first", Price: 1}
	z2 := model.Record{ID: "Z", Title: "second", Price: 2}
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated, Payload: z1}))
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated, Payload: z2}))
	_, found := h.get(t, "Z")
	require.False(t, found)

	close(g.release)
	<-done

	got, ok := h.get(t, "Z")
	require.True(t, ok)
	require.Equal(t, "second", got.Title)
	require.Len(t, h.all(t), 2)
}

func TestDeletedEventDiscardsDeferredUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Save(ctx, desk)
	}()
	<-g.started

	z := model.Record{ID: "Z", Title: "z"}
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventUpdated, Payload: z}))
	require.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventDeleted, Payload: z}))

	close(g.release)
	<-done
	_, found := h.get(t, "Z")
	require.False(t, found)
}

func TestEditDuringCreateFlightKeepsNewerValuePending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}

	done := make(chan model.Record)
	go func() {
		r, _ := h.svc.Save(ctx, desk)
		done <- r
	}()
	<-g.started

	edit := desk
	edit.ID = "local-1"
	edit.Price = 250
	got, err := h.svc.Update(ctx, edit)
	require.NoError(t, err)
	require.Equal(t, model.Pending, got.SyncState)

	close(g.release)
	res := <-done
	require.Equal(t, "srv-1", res.ID)
	require.Equal(t, model.Pending, res.SyncState)

	rows := h.all(t)
	require.Len(t, rows, 1)
	require.Equal(t, "srv-1", rows[0].ID)
	require.Equal(t, int64(250), rows[0].Price)
	require.Equal(t, model.OriginUpdate, rows[0].Origin)

	_, err = h.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	final, _ := h.get(t, "srv-1")
	require.Equal(t, model.Confirmed, final.SyncState)
	require.Equal(t, int64(250), final.Price)
	require.Equal(t, []string{"create local-1", "update srv-1"}, h.remote.Calls())
}

func TestReconcileSkipsCreateAlreadyInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Save(ctx, desk)
	}()
	<-g.started

	rep, err := h.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Skipped: 1}, rep)

	close(g.release)
	<-done
	require.Equal(t, []string{"create local-1"}, h.remote.Calls())
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	saved, err := h.svc.Save(ctx, desk)
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(ctx, saved.ID))
	_, found := h.get(t, saved.ID)
	require.False(t, found)
	require.Contains(t, h.remote.Calls(), "delete srv-1")

	h.remote.createFn = func(context.Context, model.Record) (model.Record, error) {
		return model.Record{}, errs.ErrUnreachable
	}
	local, err := h.svc.Save(ctx, desk)
	require.NoError(t, err)
	require.NoError(t, h.svc.Delete(ctx, local.ID))
	require.NotContains(t, h.remote.Calls(), "delete "+local.ID, "never reached the server")

	require.NoError(t, h.store.Put(ctx, model.Record{ID: "srv-7", SyncState: model.Confirmed}))
	h.remote.deleteFn = func(context.Context, string) error { return errs.ErrUnreachable }
	require.NoError(t, h.svc.Delete(ctx, "srv-7"), "remote failure is absorbed")
	_, found = h.get(t, "srv-7")
	require.False(t, found)

	require.NoError(t, h.svc.Delete(ctx, "never-existed"))
}

func TestDeleteDuringCreateFlightDeletesServerCopy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := newGate()
	h.remote.createFn = func(ctx context.Context, r model.Record) (model.Record, error) {
		if err := g.wait(ctx); err != nil {
			return model.Record{}, err
		}
		out := r
		out.ID = "srv-1"
		return out, nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.svc.Save(ctx, desk)
	}()
	<-g.started

	require.NoError(t, h.svc.Delete(ctx, "local-1"))
	close(g.release)
	<-done

	require.Empty(t, h.all(t))
	require.Equal(t, []string{"create local-1", "delete srv-1"}, h.remote.Calls())
}

func TestRefresh_ReplacesConfirmedKeepsPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "gone", Title: "stale", SyncState: model.Confirmed}))
	require.NoError(t, h.store.Put(ctx, model.Record{ID: "mine", Title: "local edit", Rev: 1}.AsPending(model.OriginUpdate)))

	h.remote.listFn = func(context.Context) ([]model.Record, error) {
		return []model.Record{
			{ID: "mine", Title: "server copy"},
			{ID: "new", Title: "fresh"},
		}, nil
	}
	require.NoError(t, h.svc.Refresh(ctx))

	_, found := h.get(t, "gone")
	require.False(t, found)
	mine, _ := h.get(t, "mine")
	require.Equal(t, "local edit", mine.Title)
	require.Equal(t, model.Pending, mine.SyncState)
	fresh, _ := h.get(t, "new")
	require.Equal(t, model.Confirmed, fresh.SyncState)
}

func TestRefresh_Unauthorized(t *testing.T) {
	h := newHarness(t)
	h.remote.listFn = func(context.Context) ([]model.Record, error) {
		return nil, remote.NewHTTPError(401, "GET", "/api/product", "Invalid token")
	}
	err := h.svc.Refresh(context.Background())
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, 1, h.auth.Calls())
}

func TestRunLive_AppliesEventsInOrderAndSurvivesMalformed(t *testing.T) {
	h := newHarness(t)
	a := model.Record{ID: "A", Title: "a"}
	h.live.msgs <- live.Message{Kind: live.KindEvent, Event: model.Event{Type: model.EventCreated, Payload: a}}
	h.live.msgs <- live.Message{Kind: live.KindMalformed, Err: errs.ErrMalformed}
	a.Price = 5
	h.live.msgs <- live.Message{Kind: live.KindEvent, Event: model.Event{Type: model.EventUpdated, Payload: a}}
	h.live.msgs <- live.Message{Kind: live.KindClosed}

	require.NoError(t, h.svc.RunLive(context.Background()))
	got, ok := h.get(t, "A")
	require.True(t, ok)
	require.Equal(t, int64(5), got.Price)
	require.Equal(t, 1, h.live.closed)
}

func TestRunLive_FailureAndOpenErrors(t *testing.T) {
	h := newHarness(t)
	h.live.msgs <- live.Message{Kind: live.KindFailure, Err: errs.ErrUnreachable}
	require.ErrorIs(t, h.svc.RunLive(context.Background()), errs.ErrUnreachable)

	h.live.openErr = fmt.Errorf("%w: handshake", errs.ErrUnauthorized)
	require.ErrorIs(t, h.svc.RunLive(context.Background()), errs.ErrUnauthorized)
	require.Equal(t, 1, h.auth.Calls())
}

func TestRunLive_CallsOpenedHookOnlyAfterOpen(t *testing.T) {
	h := newHarness(t)
	opened := 0
	WithLiveOpened(func() { opened++ })(h.svc)

	h.live.openErr = fmt.Errorf("%w: dial", errs.ErrUnreachable)
	require.Error(t, h.svc.RunLive(context.Background()))
	require.Zero(t, opened)

	h.live.openErr = nil
	h.live.msgs <- live.Message{Kind: live.KindClosed}
	require.NoError(t, h.svc.RunLive(context.Background()))
	require.Equal(t, 1, opened)
}

func TestRunLive_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.svc.RunLive(ctx) }()
	cancel()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("RunLive did not stop")
	}
}

func TestWatch_SeesPendingThenConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := h.svc.Watch(ctx)
	require.NoError(t, err)
	require.Empty(t, <-snaps)

	_, err = h.svc.Save(context.Background(), desk)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-snaps:
			if len(s) == 1 && s[0].SyncState == model.Confirmed {
				require.Equal(t, "srv-1", s[0].ID)
				return
			}
		case <-deadline:
			t.Fatal("confirmed snapshot not observed")
		}
	}
}

func TestConcurrentSavesAndEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := h.svc.Save(ctx, model.Record{Title: fmt.Sprintf("r%d", i)})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("ev-%d", i)
			assert.NoError(t, h.svc.ApplyRemoteEvent(ctx, model.Event{Type: model.EventCreated, Payload: model.Record{ID: id}}))
		}()
	}
	wg.Wait()

	rows := h.all(t)
	require.Len(t, rows, 40)
	for _, r := range rows {
		require.Equal(t, model.Confirmed, r.SyncState)
	}
}
