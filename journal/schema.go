package journal

const Schema = `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL,
	source TEXT NOT NULL,
	raw TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	sizing TEXT NOT NULL,
	quantity REAL,
	notional_usd REAL,
	note TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	signal_id TEXT NOT NULL,
	time DATETIME NOT NULL,
	adapter TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity REAL NOT NULL,
	ok BOOLEAN NOT NULL,
	order_id TEXT NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	error TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_received_at ON signals(received_at);
CREATE INDEX IF NOT EXISTS idx_orders_signal_id ON orders(signal_id);
`
