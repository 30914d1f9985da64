// Package storage is the relational store for symbols, trades, and bars,
// built on database/sql + lib/pq.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/marketcore/fanout/internal/marketdata"
)

// Store wraps a *sql.DB and the in-memory symbol cache each processor
// instance owns. The cache is populated lazily and never invalidated;
// symbol rows are immutable once created.
type Store struct {
	db               *sql.DB
	statementTimeout time.Duration
	txTimeout        time.Duration

	mu          sync.RWMutex
	symbolCache map[string]int64 // ticker -> symbol_id
}

// Open connects to Postgres and prepares the symbol cache.
func Open(dsn string, statementTimeout, txTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{
		db:               db,
		statementTimeout: statementTimeout,
		txTimeout:        txTimeout,
		symbolCache:      make(map[string]int64),
	}, nil
}

// OpenDB wraps an already-open *sql.DB, used by tests with sqlmock.
func OpenDB(db *sql.DB, statementTimeout, txTimeout time.Duration) *Store {
	return &Store{db: db, statementTimeout: statementTimeout, txTimeout: txTimeout, symbolCache: make(map[string]int64)}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// GetOrCreateSymbol resolves a ticker to its symbol_id, creating the row
// on first observation. Cached in-memory after a successful insert or
// lookup.
func (s *Store) GetOrCreateSymbol(ctx context.Context, ticker string) (int64, error) {
	ticker = marketdata.NormalizeTicker(ticker)

	s.mu.RLock()
	if id, ok := s.symbolCache[ticker]; ok {
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO symbols (ticker) VALUES ($1)
		 ON CONFLICT (ticker) DO UPDATE SET ticker = EXCLUDED.ticker
		 RETURNING symbol_id`, ticker).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("get-or-insert symbol %s: %w", ticker, err)
	}

	s.mu.Lock()
	s.symbolCache[ticker] = id
	s.mu.Unlock()

	return id, nil
}

// LastVolume returns the running volume and timestamp of the most
// recently persisted trade for a symbol, used to reseed the in-memory
// running sum after a crash and to detect late-arriving trades that
// predate the reseed point. A symbol with no persisted trades yet
// returns a zero volume and a zero time.
func (s *Store) LastVolume(ctx context.Context, symbolID int64) (decimal.Decimal, time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.statementTimeout)
	defer cancel()

	var v decimal.Decimal
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT volume, ts FROM trades WHERE symbol_id = $1 ORDER BY ts DESC, trade_id DESC LIMIT 1`,
		symbolID).Scan(&v, &ts)
	if err == sql.ErrNoRows {
		return decimal.Zero, time.Time{}, nil
	}
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("last volume for symbol %d: %w", symbolID, err)
	}
	return v, ts, nil
}

// TradeRow is a trade ready for bulk insert, with its symbol already
// resolved and its running volume already computed.
type TradeRow struct {
	SymbolID  int64
	Timestamp time.Time
	Price     decimal.Decimal
	Size      decimal.Decimal
	Volume    decimal.Decimal
}

// InsertTradesBatch bulk-inserts trades with a conflict-ignore clause:
// duplicate receipts never produce duplicate rows. Returns the number of
// rows actually inserted (conflicts don't count).
func (s *Store) InsertTradesBatch(ctx context.Context, rows []TradeRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args := buildTradeInsert(rows)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert trades batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit trades batch: %w", err)
	}
	return res.RowsAffected()
}

func buildTradeInsert(rows []TradeRow) (string, []interface{}) {
	query := "INSERT INTO trades (symbol_id, ts, price, size, volume) VALUES "
	args := make([]interface{}, 0, len(rows)*5)
	for i, r := range rows {
		if i > 0 {
			query += ", "
		}
		base := i * 5
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, r.SymbolID, r.Timestamp, r.Price, r.Size, r.Volume)
	}
	query += " ON CONFLICT (symbol_id, ts, price, size) DO NOTHING"
	return query, args
}

// BarRow is a bar ready for bulk insert.
type BarRow struct {
	SymbolID   int64
	Timeframe  string
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount int64
	VWAP       decimal.Decimal
}

// InsertBarsBatch bulk-inserts bars with the same conflict-ignore
// idempotency policy as trades.
func (s *Store) InsertBarsBatch(ctx context.Context, rows []BarRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query, args := buildBarInsert(rows)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert bars batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bars batch: %w", err)
	}
	return res.RowsAffected()
}

func buildBarInsert(rows []BarRow) (string, []interface{}) {
	query := "INSERT INTO bars (symbol_id, timeframe, ts, open, high, low, close, volume, trade_count, vwap) VALUES "
	args := make([]interface{}, 0, len(rows)*10)
	for i, r := range rows {
		if i > 0 {
			query += ", "
		}
		base := i * 10
		query += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10)
		args = append(args, r.SymbolID, r.Timeframe, r.Timestamp, r.Open, r.High, r.Low, r.Close, r.Volume, r.TradeCount, r.VWAP)
	}
	query += " ON CONFLICT (symbol_id, ts, timeframe) DO NOTHING"
	return query, args
}
