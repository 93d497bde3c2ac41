// Package memory contains in-memory implementations of repository interfaces.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

// RecordStore is a non-durable RecordStore for tests and ephemeral clients.
type RecordStore struct {
	mu    sync.RWMutex
	byID  map[string]model.Record
	order []string
	watch *repository.Broadcaster
}

var _ repository.RecordStore = (*RecordStore)(nil)

// NewRecordStore constructs an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{byID: map[string]model.Record{}, watch: repository.NewBroadcaster()}
}

// snapshotLocked copies rows in insertion order. Caller holds mu.
func (s *RecordStore) snapshotLocked() []model.Record {
	out := make([]model.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *RecordStore) putLocked(r model.Record) {
	if _, ok := s.byID[r.ID]; !ok {
		s.order = append(s.order, r.ID)
	}
	s.byID[r.ID] = r
}

func (s *RecordStore) deleteLocked(id string) bool {
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(v string) bool { return v == id })
	return true
}

// List returns all records in insertion order.
func (s *RecordStore) List(_ context.Context) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

// Watch streams snapshots; see repository.RecordStore.
func (s *RecordStore) Watch(ctx context.Context) (<-chan []model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watch.Subscribe(ctx, s.snapshotLocked())
}

// Get returns a record by id.
func (s *RecordStore) Get(_ context.Context, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return model.Record{}, errs.ErrNotFound
	}
	return r, nil
}

// Put inserts or replaces a record by id.
func (s *RecordStore) Put(_ context.Context, r model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(r)
	s.watch.Publish(s.snapshotLocked())
	return nil
}

// Replace atomically swaps oldID for r.
func (s *RecordStore) Replace(_ context.Context, oldID string, r model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if oldID != r.ID {
		s.deleteLocked(oldID)
	}
	s.putLocked(r)
	s.watch.Publish(s.snapshotLocked())
	return nil
}

// DeleteByID removes a record; no-op if absent.
func (s *RecordStore) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteLocked(id) {
		s.watch.Publish(s.snapshotLocked())
	}
	return nil
}

// DeleteAll removes every record.
func (s *RecordStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = map[string]model.Record{}
	s.order = nil
	s.watch.Publish(nil)
	return nil
}

// ListPending returns records still waiting for acknowledgement.
func (s *RecordStore) ListPending(_ context.Context) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Record
	for _, id := range s.order {
		if r := s.byID[id]; r.SyncState == model.Pending {
			out = append(out, r)
		}
	}
	return out, nil
}

// ReplaceConfirmed swaps Confirmed rows for the server snapshot, keeping Pending rows.
func (s *RecordStore) ReplaceConfirmed(_ context.Context, confirmed []model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range slices.Clone(s.order) {
		if s.byID[id].SyncState == model.Confirmed {
			s.deleteLocked(id)
		}
	}
	for _, r := range confirmed {
		if cur, ok := s.byID[r.ID]; ok && cur.SyncState == model.Pending {
			continue
		}
		s.putLocked(r.AsConfirmed())
	}
	s.watch.Publish(s.snapshotLocked())
	return nil
}

// Close ends every Watch stream.
func (s *RecordStore) Close() error {
	s.watch.Close()
	return nil
}
