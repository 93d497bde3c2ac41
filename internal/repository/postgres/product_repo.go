package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

// ProductRepo implements ProductRepository using PostgreSQL.
type ProductRepo struct{ db *DB }

// NewProductRepo constructs a product repository.
func NewProductRepo(db *DB) *ProductRepo { return &ProductRepo{db: db} }

func scanProduct(row pgx.Row) (model.Record, error) {
	var p model.Record
	err := row.Scan(&p.ID, &p.Title, &p.Price, &p.Date, &p.Sold)
	return p, err
}

// List returns products in creation order.
func (r *ProductRepo) List(ctx context.Context) ([]model.Record, error) {
	const q = `SELECT id, title, price, date, sold FROM products ORDER BY created_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Record{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get returns a product by id.
func (r *ProductRepo) Get(ctx context.Context, id string) (model.Record, error) {
	const q = `SELECT id, title, price, date, sold FROM products WHERE id=$1`
	p, err := scanProduct(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, errs.ErrNotFound
		}
		return model.Record{}, err
	}
	return p, nil
}

// Create inserts a product row.
func (r *ProductRepo) Create(ctx context.Context, p model.Record) error {
	const q = `INSERT INTO products (id, title, price, date, sold) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, p.ID, p.Title, p.Price, p.Date, p.Sold)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Update replaces an existing product row.
func (r *ProductRepo) Update(ctx context.Context, p model.Record) error {
	const q = `UPDATE products SET title=$2, price=$3, date=$4, sold=$5, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, p.ID, p.Title, p.Price, p.Date, p.Sold)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes a product row and returns its last value.
func (r *ProductRepo) Delete(ctx context.Context, id string) (model.Record, error) {
	const q = `DELETE FROM products WHERE id=$1 RETURNING id, title, price, date, sold`
	p, err := scanProduct(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Record{}, errs.ErrNotFound
		}
		return model.Record{}, err
	}
	return p, nil
}
