package storage

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return OpenDB(db, 5*time.Second, 15*time.Second), mock
}

func TestGetOrCreateSymbolCachesAfterFirstLookup(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO symbols").
		WithArgs("AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"symbol_id"}).AddRow(int64(1)))

	id, err := s.GetOrCreateSymbol(context.Background(), "aapl")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	// Second call must hit the cache, not the database.
	id2, err := s.GetOrCreateSymbol(context.Background(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, int64(1), id2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesBatchSkipsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	n, err := s.InsertTradesBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTradesBatchConflictIgnore(t *testing.T) {
	s, mock := newMockStore(t)

	rows := []TradeRow{
		{SymbolID: 1, Timestamp: time.UnixMilli(1000), Price: decimal.NewFromFloat(1), Size: decimal.NewFromFloat(1), Volume: decimal.NewFromFloat(1)},
		{SymbolID: 1, Timestamp: time.UnixMilli(1000), Price: decimal.NewFromFloat(1), Size: decimal.NewFromFloat(1), Volume: decimal.NewFromFloat(1)},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").
		WillReturnResult(sqlmock.NewResult(0, 1)) // only one of the two duplicates actually inserted
	mock.ExpectCommit()

	n, err := s.InsertTradesBatch(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastVolumeDefaultsToZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT volume, ts FROM trades").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"volume", "ts"}))

	v, ts, err := s.LastVolume(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, v.IsZero())
	require.True(t, ts.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLastVolumeReturnsSeedTimestamp(t *testing.T) {
	s, mock := newMockStore(t)

	seeded := time.UnixMilli(5000)
	mock.ExpectQuery("SELECT volume, ts FROM trades").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"volume", "ts"}).AddRow(decimal.NewFromInt(42), seeded))

	v, ts, err := s.LastVolume(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, v.Equal(decimal.NewFromInt(42)))
	require.True(t, ts.Equal(seeded))
	require.NoError(t, mock.ExpectationsWereMet())
}
