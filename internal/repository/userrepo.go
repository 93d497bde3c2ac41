// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/gophsync/internal/model"
)

// UserRepository provides access to backend accounts.
type UserRepository interface {
	// Create inserts a new user; errs.ErrAlreadyExists if the username is taken.
	Create(ctx context.Context, u *model.User) error
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}
