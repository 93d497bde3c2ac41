package memory

import (
	"context"
	"sync"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

// UserRepo keeps backend accounts in memory.
type UserRepo struct {
	mu     sync.RWMutex
	byName map[string]model.User
}

var _ repository.UserRepository = (*UserRepo)(nil)

// NewUserRepo constructs an empty repository.
func NewUserRepo() *UserRepo { return &UserRepo{byName: map[string]model.User{}} }

// Create inserts a new user.
func (r *UserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[u.Username]; ok {
		return errs.ErrAlreadyExists
	}
	r.byName[u.Username] = *u
	return nil
}

// GetByUsername loads a user by username.
func (r *UserRepo) GetByUsername(_ context.Context, username string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}
