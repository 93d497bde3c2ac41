// Package repotest holds contract tests shared by RecordStore implementations.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

// RecordStoreContract runs the RecordStore contract against stores built by newStore.
func RecordStoreContract(t *testing.T, newStore func(t *testing.T) repository.RecordStore) {
	t.Run("PutGetIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		r := model.Record{ID: "a", Title: "Desk", Price: 100, Date: "2024-01-01"}.AsPending(model.OriginCreate)
		require.NoError(t, s.Put(ctx, r))
		require.NoError(t, s.Put(ctx, r))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, r, got)

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)

		_, err = s.Get(ctx, "missing")
		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("InsertionOrderKeptOnReplaceInPlace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.Put(ctx, model.Record{ID: id, Title: id}.AsConfirmed()))
		}
		require.NoError(t, s.Put(ctx, model.Record{ID: "a", Title: "A2"}.AsConfirmed()))

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids(all))
		require.Equal(t, "A2", all[0].Title)
	})

	t.Run("ReplaceRewritesID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, model.Record{ID: "local-1", Title: "Desk"}.AsPending(model.OriginCreate)))
		require.NoError(t, s.Replace(ctx, "local-1", model.Record{ID: "srv-1", Title: "Desk"}.AsConfirmed()))

		_, err := s.Get(ctx, "local-1")
		require.ErrorIs(t, err, errs.ErrNotFound)
		got, err := s.Get(ctx, "srv-1")
		require.NoError(t, err)
		require.Equal(t, model.Confirmed, got.SyncState)

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
	})

	t.Run("DeleteByIDAndDeleteAll", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, model.Record{ID: "a"}.AsConfirmed()))
		require.NoError(t, s.Put(ctx, model.Record{ID: "b"}.AsConfirmed()))
		require.NoError(t, s.DeleteByID(ctx, "a"))
		require.NoError(t, s.DeleteByID(ctx, "a"))

		all, err := s.List(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, ids(all))

		require.NoError(t, s.DeleteAll(ctx))
		all, err = s.List(ctx)
		require.NoError(t, err)
		require.Empty(t, all)
	})

	t.Run("ListPending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, model.Record{ID: "a"}.AsConfirmed()))
		require.NoError(t, s.Put(ctx, model.Record{ID: "b", Rev: 3}.AsPending(model.OriginUpdate)))
		require.NoError(t, s.Put(ctx, model.Record{ID: "c"}.AsPending(model.OriginCreate)))

		p, err := s.ListPending(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"b", "c"}, ids(p))
		require.Equal(t, model.OriginUpdate, p[0].Origin)
		require.Equal(t, int64(3), p[0].Rev)
	})

	t.Run("ReplaceConfirmedKeepsPending", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, model.Record{ID: "old"}.AsConfirmed()))
		require.NoError(t, s.Put(ctx, model.Record{ID: "edit", Title: "local"}.AsPending(model.OriginUpdate)))
		require.NoError(t, s.Put(ctx, model.Record{ID: "local-1"}.AsPending(model.OriginCreate)))

		require.NoError(t, s.ReplaceConfirmed(ctx, []model.Record{
			{ID: "edit", Title: "server"},
			{ID: "new", Title: "fresh"},
		}))

		_, err := s.Get(ctx, "old")
		require.ErrorIs(t, err, errs.ErrNotFound)

		edit, err := s.Get(ctx, "edit")
		require.NoError(t, err)
		require.Equal(t, "local", edit.Title)
		require.Equal(t, model.Pending, edit.SyncState)

		fresh, err := s.Get(ctx, "new")
		require.NoError(t, err)
		require.Equal(t, model.Confirmed, fresh.SyncState)

		_, err = s.Get(ctx, "local-1")
		require.NoError(t, err)
	})

	t.Run("WatchSnapshotThenChanges", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		require.NoError(t, s.Put(ctx, model.Record{ID: "a"}.AsConfirmed()))
		ch, err := s.Watch(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ids(next(t, ch)))

		require.NoError(t, s.Put(ctx, model.Record{ID: "b"}.AsConfirmed()))
		require.Equal(t, []string{"a", "b"}, ids(next(t, ch)))

		require.NoError(t, s.DeleteByID(ctx, "a"))
		require.Equal(t, []string{"b"}, ids(next(t, ch)))

		cancel()
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func ids(rs []model.Record) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func next(t *testing.T, ch <-chan []model.Record) []model.Record {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot delivered")
		return nil
	}
}
