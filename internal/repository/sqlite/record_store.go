// Package sqlite implements the durable local RecordStore on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
	"github.com/and161185/gophsync/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// RecordStore keeps records in a SQLite file.
// A single connection serializes writers, so every call is linearizable.
type RecordStore struct {
	db *sql.DB

	// pubMu orders snapshot publication so the last delivered snapshot is never stale.
	pubMu sync.Mutex
	watch *repository.Broadcaster
}

var _ repository.RecordStore = (*RecordStore)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &RecordStore{db: db, watch: repository.NewBroadcaster()}, nil
}

// Close ends every Watch stream and closes the database.
func (s *RecordStore) Close() error {
	s.watch.Close()
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

const selectCols = `id, title, price, date, sold, confirmed, origin, rev`

const upsert = `
INSERT INTO records (id, title, price, date, sold, confirmed, origin, rev)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title=excluded.title, price=excluded.price, date=excluded.date, sold=excluded.sold,
  confirmed=excluded.confirmed, origin=excluded.origin, rev=excluded.rev`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func put(ctx context.Context, db execer, r model.Record) error {
	_, err := db.ExecContext(ctx, upsert,
		r.ID, r.Title, r.Price, r.Date, r.Sold,
		r.SyncState == model.Confirmed, string(r.Origin), r.Rev,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (model.Record, error) {
	var (
		r         model.Record
		confirmed bool
		origin    string
	)
	if err := row.Scan(&r.ID, &r.Title, &r.Price, &r.Date, &r.Sold, &confirmed, &origin, &r.Rev); err != nil {
		return model.Record{}, err
	}
	r.SyncState = model.Pending
	if confirmed {
		r.SyncState = model.Confirmed
	}
	r.Origin = model.Origin(origin)
	return r, nil
}

func (s *RecordStore) query(ctx context.Context, q string, args ...any) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// publish lists the committed state and hands it to watchers.
func (s *RecordStore) publish(ctx context.Context) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	snap, err := s.List(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	s.watch.Publish(snap)
}

// withTx runs fn in a transaction and publishes a snapshot after commit.
func (s *RecordStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if err = tx.Commit(); err == nil {
			s.publish(ctx)
		}
	}()
	return fn(tx)
}

// List returns all records in insertion order.
func (s *RecordStore) List(ctx context.Context) ([]model.Record, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM records ORDER BY seq ASC`)
}

// Watch streams snapshots; see repository.RecordStore.
func (s *RecordStore) Watch(ctx context.Context) (<-chan []model.Record, error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	snap, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.watch.Subscribe(ctx, snap)
}

// Get returns a record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (model.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Record{}, errs.ErrNotFound
		}
		return model.Record{}, err
	}
	return r, nil
}

// Put inserts or replaces a record by id.
func (s *RecordStore) Put(ctx context.Context, r model.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error { return put(ctx, tx, r) })
}

// Replace atomically swaps oldID for r.
func (s *RecordStore) Replace(ctx context.Context, oldID string, r model.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if oldID != r.ID {
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, oldID); err != nil {
				return err
			}
		}
		return put(ctx, tx, r)
	})
}

// DeleteByID removes a record; no-op if absent.
func (s *RecordStore) DeleteByID(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
		return err
	})
}

// DeleteAll removes every record.
func (s *RecordStore) DeleteAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM records`)
		return err
	})
}

// ListPending returns records still waiting for acknowledgement.
func (s *RecordStore) ListPending(ctx context.Context) ([]model.Record, error) {
	return s.query(ctx, `SELECT `+selectCols+` FROM records WHERE confirmed = 0 ORDER BY seq ASC`)
}

// ReplaceConfirmed swaps Confirmed rows for the server snapshot, keeping Pending rows.
func (s *RecordStore) ReplaceConfirmed(ctx context.Context, confirmed []model.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE confirmed = 1`); err != nil {
			return err
		}
		const ins = `
INSERT INTO records (id, title, price, date, sold, confirmed, origin, rev)
VALUES (?, ?, ?, ?, ?, 1, '', ?)
ON CONFLICT(id) DO NOTHING`
		for _, r := range confirmed {
			if _, err := tx.ExecContext(ctx, ins, r.ID, r.Title, r.Price, r.Date, r.Sold, r.Rev); err != nil {
				return fmt.Errorf("record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}
