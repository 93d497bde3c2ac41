package repository

import (
	"context"

	"github.com/and161185/gophsync/internal/model"
)

// ProductRepository is the backend's authoritative record storage.
type ProductRepository interface {
	// List returns every record.
	List(ctx context.Context) ([]model.Record, error)
	// Get returns a record by id or errs.ErrNotFound.
	Get(ctx context.Context, id string) (model.Record, error)
	// Create inserts a new record; errs.ErrAlreadyExists on id collision.
	Create(ctx context.Context, r model.Record) error
	// Update replaces an existing record; errs.ErrNotFound if absent.
	Update(ctx context.Context, r model.Record) error
	// Delete removes a record and returns its last value; errs.ErrNotFound if absent.
	Delete(ctx context.Context, id string) (model.Record, error)
}
