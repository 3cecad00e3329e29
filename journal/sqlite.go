package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite journal: db path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite journal: schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordSignal(ctx context.Context, s SignalRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO signals
		(id, received_at, source, raw, symbol, side, sizing, quantity, notional_usd, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ReceivedAt.UTC(), s.Source, s.Raw, s.Symbol,
		s.Side, s.Sizing, s.Quantity, s.NotionalUSD, s.Note,
	)
	return err
}

func (j *SQLite) RecordOrder(ctx context.Context, o OrderRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders
		(signal_id, time, adapter, symbol, side, quantity, ok, order_id, status, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SignalID, o.Time.UTC(), o.Adapter, o.Symbol, o.Side, o.Quantity,
		o.OK, o.OrderID, o.Status, o.ErrorKind, o.Error,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
