package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool Querier
	cfg  Config
}

// Querier is the subset of a pgx pool the limiter needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over the auth_limiter table.
func NewPG(q Querier, cfg Config) *PG {
	return &PG{pool: q, cfg: cfg}
}

// Allow reports whether a login may proceed and, when blocked, for how long.
func (l *PG) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username = $1 AND ip_hash = $2`
	var until time.Time
	err := l.pool.QueryRow(ctx, q, username, ipHash).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if wait := time.Until(until); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

// Success forgets earlier failures of (username, ip).
func (l *PG) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE username = $1 AND ip_hash = $2`
	_, err := l.pool.Exec(ctx, q, username, ipHash)
	return err
}

// Failure counts one failed login inside the sliding window. Reaching MaxFails
// blocks the pair for BlockFor and restarts the count.
func (l *PG) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter AS a (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (username, ip_hash) DO UPDATE SET
  fail_count = CASE WHEN now() - a.updated_at > $3::interval THEN 1 ELSE a.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	const block = `UPDATE auth_limiter SET blocked_until = now() + $3::interval, fail_count = 0
WHERE username = $1 AND ip_hash = $2`

	var fails int
	if err := l.pool.QueryRow(ctx, q, username, ipHash, l.cfg.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.cfg.MaxFails {
		return false, 0, nil
	}
	if _, err := l.pool.Exec(ctx, block, username, ipHash, l.cfg.BlockFor); err != nil {
		return false, 0, err
	}
	return true, l.cfg.BlockFor, nil
}
