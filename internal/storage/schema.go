package storage

// schema is the minimum relational schema for symbols, trades, and bars.
// Applied once at startup; no migration framework is introduced.
const schema = `
CREATE TABLE IF NOT EXISTS symbols (
	symbol_id SERIAL PRIMARY KEY,
	ticker TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	exchange TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id BIGSERIAL PRIMARY KEY,
	symbol_id INTEGER NOT NULL REFERENCES symbols(symbol_id),
	ts TIMESTAMPTZ NOT NULL,
	price NUMERIC NOT NULL,
	size NUMERIC NOT NULL,
	volume NUMERIC NOT NULL,
	UNIQUE(symbol_id, ts, price, size)
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol_id, ts DESC);

CREATE TABLE IF NOT EXISTS bars (
	id BIGSERIAL PRIMARY KEY,
	symbol_id INTEGER NOT NULL REFERENCES symbols(symbol_id),
	timeframe TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	open NUMERIC NOT NULL,
	high NUMERIC NOT NULL,
	low NUMERIC NOT NULL,
	close NUMERIC NOT NULL,
	volume NUMERIC NOT NULL,
	trade_count INTEGER NOT NULL,
	vwap NUMERIC NOT NULL,
	UNIQUE(symbol_id, ts, timeframe)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol_id, ts DESC);
`
