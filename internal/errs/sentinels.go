// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Sync taxonomy shared by the remote client, the live channel and the coordinator.
var (
	// ErrUnreachable indicates there is no network path to the remote authority.
	ErrUnreachable = errors.New("unreachable")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrServerError indicates a remote-side failure (non-2xx response).
	ErrServerError = errors.New("server error")

	// ErrMalformed indicates an unparseable payload from REST or the live channel.
	ErrMalformed = errors.New("malformed payload")

	// ErrConflict is reserved for id-collision handling.
	ErrConflict = errors.New("conflict")
)

// Storage and backend sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates a request that failed validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed indicates an operation on a closed component.
	ErrClosed = errors.New("closed")
)

// IsTransient reports whether err is a remote failure that a later retry may fix.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrServerError)
}
