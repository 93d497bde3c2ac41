package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophsync/internal/errs"
	"github.com/and161185/gophsync/internal/model"
)

var productCols = []string{"id", "title", "price", "date", "sold"}

func TestProductRepo_List(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProductRepo(db)

	mock.ExpectQuery(`SELECT id, title, price, date, sold FROM products ORDER BY created_at ASC, id ASC`).
		WillReturnRows(pgxmock.NewRows(productCols).
			AddRow("a", "iPhone 15", int64(999), "2024-01-15", false).
			AddRow("b", "MacBook Pro", int64(2499), "2024-02-20", true))

	out, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.Record{ID: "b", Title: "MacBook Pro", Price: 2499, Date: "2024-02-20", Sold: true}, out[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProductRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT id, title, price, date, sold FROM products WHERE id=\$1`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows(productCols).AddRow("a", "Desk", int64(100), "2024-01-01", false))
	p, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "Desk", p.Title)

	mock.ExpectQuery(`SELECT id, title, price, date, sold FROM products WHERE id=\$1`).
		WithArgs("zzz").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "zzz")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestProductRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProductRepo(db)
	ctx := context.Background()
	p := model.Record{ID: "a", Title: "Desk", Price: 100, Date: "2024-01-01"}

	mock.ExpectExec(`INSERT INTO products \(id, title, price, date, sold\) VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs(p.ID, p.Title, p.Price, p.Date, p.Sold).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, p))

	mock.ExpectExec(`INSERT INTO products`).
		WithArgs(p.ID, p.Title, p.Price, p.Date, p.Sold).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, p), errs.ErrAlreadyExists)
}

func TestProductRepo_Update(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProductRepo(db)
	ctx := context.Background()
	p := model.Record{ID: "a", Title: "Desk", Price: 120, Sold: true}

	mock.ExpectExec(`UPDATE products SET title=\$2, price=\$3, date=\$4, sold=\$5, updated_at=now\(\) WHERE id=\$1`).
		WithArgs(p.ID, p.Title, p.Price, p.Date, p.Sold).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.Update(ctx, p))

	mock.ExpectExec(`UPDATE products`).
		WithArgs(p.ID, p.Title, p.Price, p.Date, p.Sold).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.Update(ctx, p), errs.ErrNotFound)
}

func TestProductRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewProductRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`DELETE FROM products WHERE id=\$1 RETURNING id, title, price, date, sold`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows(productCols).AddRow("a", "Desk", int64(100), "", false))
	p, err := r.Delete(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a", p.ID)

	mock.ExpectQuery(`DELETE FROM products`).
		WithArgs("a").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Delete(ctx, "a")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
