package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

// ProductRepo is the backend's default in-memory product storage.
type ProductRepo struct {
	mu    sync.RWMutex
	byID  map[string]model.Record
	order []string
}

var _ repository.ProductRepository = (*ProductRepo)(nil)

// NewProductRepo constructs an empty repository.
func NewProductRepo() *ProductRepo {
	return &ProductRepo{byID: map[string]model.Record{}}
}

// List returns products in creation order.
func (r *ProductRepo) List(_ context.Context) ([]model.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out, nil
}

// Get returns a product by id.
func (r *ProductRepo) Get(_ context.Context, id string) (model.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return model.Record{}, errs.ErrNotFound
	}
	return p, nil
}

// Create inserts a product.
func (r *ProductRepo) Create(_ context.Context, p model.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; ok {
		return errs.ErrAlreadyExists
	}
	r.byID[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Update replaces an existing product.
func (r *ProductRepo) Update(_ context.Context, p model.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; !ok {
		return errs.ErrNotFound
	}
	r.byID[p.ID] = p
	return nil
}

// Delete removes a product and returns its last value.
func (r *ProductRepo) Delete(_ context.Context, id string) (model.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return model.Record{}, errs.ErrNotFound
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	return p, nil
}
