package repository

import (
	"context"

	"github.com/and161185/gophsync/internal/model"
)

// RecordStore is the durable local copy of the synchronized record set.
// Every call is atomic: no partial write is ever observable. The store never issues network calls.
type RecordStore interface {
	// List returns all records in insertion order.
	List(ctx context.Context) ([]model.Record, error)

	// Watch streams the current snapshot followed by a fresh snapshot after every committed change.
	// The stream ends when ctx is cancelled or the store is closed; call Watch again to restart.
	Watch(ctx context.Context) (<-chan []model.Record, error)

	// Get returns a record by id or errs.ErrNotFound.
	Get(ctx context.Context, id string) (model.Record, error)

	// Put inserts or replaces a record by id. Idempotent.
	Put(ctx context.Context, r model.Record) error

	// Replace removes oldID and stores r in one transaction. Both rows are never present together.
	Replace(ctx context.Context, oldID string, r model.Record) error

	// DeleteByID removes a record; no-op if absent.
	DeleteByID(ctx context.Context, id string) error

	// DeleteAll removes every record.
	DeleteAll(ctx context.Context) error

	// ListPending returns records with SyncState == Pending.
	ListPending(ctx context.Context) ([]model.Record, error)

	// ReplaceConfirmed swaps every Confirmed row for the given server snapshot, keeping Pending rows.
	ReplaceConfirmed(ctx context.Context, confirmed []model.Record) error
}
