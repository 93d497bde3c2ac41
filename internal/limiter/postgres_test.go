package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var testCfg = Config{Window: 5 * time.Minute, MaxFails: 5, BlockFor: 10 * time.Minute}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func TestPG_Allow(t *testing.T) {
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	t.Run("no row allows", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT blocked_until FROM auth_limiter`).WithArgs("u", ip).WillReturnError(pgx.ErrNoRows)
		ok, wait, err := NewPG(mock, testCfg).Allow(ctx, "u", ip)
		require.NoError(t, err)
		require.True(t, ok)
		require.Zero(t, wait)
	})

	t.Run("future block denies", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT blocked_until`).WithArgs("u", ip).
			WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Now().Add(10 * time.Minute)))
		ok, wait, err := NewPG(mock, testCfg).Allow(ctx, "u", ip)
		require.NoError(t, err)
		require.False(t, ok)
		require.Positive(t, wait)
	})

	t.Run("expired block allows", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT blocked_until`).WithArgs("u", ip).
			WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Now().Add(-time.Minute)))
		ok, _, err := NewPG(mock, testCfg).Allow(ctx, "u", ip)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("db error denies", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`SELECT blocked_until`).WithArgs("u", ip).WillReturnError(errors.New("db boom"))
		ok, _, err := NewPG(mock, testCfg).Allow(ctx, "u", ip)
		require.Error(t, err)
		require.False(t, ok)
	})
}

func TestPG_Success(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM auth_limiter`).WithArgs("u", []byte("h")).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM auth_limiter`).WithArgs("u", []byte("h")).
		WillReturnError(errors.New("exec fail"))

	l := NewPG(mock, testCfg)
	require.NoError(t, l.Success(context.Background(), "u", []byte("h")))
	require.Error(t, l.Success(context.Background(), "u", []byte("h")))
}

func TestPG_Failure(t *testing.T) {
	ctx := context.Background()

	t.Run("below threshold", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO auth_limiter`).WithArgs("u", []byte("h"), testCfg.Window).
			WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))
		blocked, wait, err := NewPG(mock, testCfg).Failure(ctx, "u", []byte("h"))
		require.NoError(t, err)
		require.False(t, blocked)
		require.Zero(t, wait)
	})

	t.Run("threshold blocks", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO auth_limiter`).WithArgs("u", []byte("h"), testCfg.Window).
			WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(5))
		mock.ExpectExec(`UPDATE auth_limiter SET blocked_until`).WithArgs("u", []byte("h"), testCfg.BlockFor).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		blocked, wait, err := NewPG(mock, testCfg).Failure(ctx, "u", []byte("h"))
		require.NoError(t, err)
		require.True(t, blocked)
		require.Equal(t, 10*time.Minute, wait)
	})

	t.Run("query error", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO auth_limiter`).WillReturnError(errors.New("query error"))
		_, _, err := NewPG(mock, testCfg).Failure(ctx, "u", []byte("h"))
		require.Error(t, err)
	})
}

func TestHashIP_Determinism(t *testing.T) {
	a := HashIP("1.2.3.4")
	require.Equal(t, a, HashIP("1.2.3.4"))
	require.NotEqual(t, a, HashIP("5.6.7.8"))
	require.Len(t, a, 32)
}
