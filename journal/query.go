package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const signalColumns = `id, received_at, source, raw, symbol, side, sizing, quantity, notional_usd, note`

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (SignalRecord, error) {
	var (
		rec      SignalRecord
		qty, usd sql.NullFloat64
	)
	err := row.Scan(
		&rec.ID,
		&rec.ReceivedAt,
		&rec.Source,
		&rec.Raw,
		&rec.Symbol,
		&rec.Side,
		&rec.Sizing,
		&qty,
		&usd,
		&rec.Note,
	)
	if err != nil {
		return SignalRecord{}, err
	}
	if qty.Valid {
		rec.Quantity = &qty.Float64
	}
	if usd.Valid {
		rec.NotionalUSD = &usd.Float64
	}
	return rec, nil
}

// GetSignal returns a single signal record by ID.
func (j *SQLite) GetSignal(ctx context.Context, id string) (SignalRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE id = ?`, id)

	rec, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SignalRecord{}, fmt.Errorf("%w: %q", ErrSignalNotFound, id)
		}
		return SignalRecord{}, err
	}
	return rec, nil
}

// ListSignalsBetween returns signals received within [start, end), oldest first.
func (j *SQLite) ListSignalsBetween(ctx context.Context, start, end time.Time) ([]SignalRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM signals
		WHERE received_at >= ? AND received_at < ?
		ORDER BY received_at ASC, id ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListOrdersForSignal returns the dispatch outcomes recorded for a signal.
func (j *SQLite) ListOrdersForSignal(ctx context.Context, signalID string) ([]OrderRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT signal_id, time, adapter, symbol, side, quantity, ok, order_id, status, error_kind, error
		FROM orders
		WHERE signal_id = ?
		ORDER BY id ASC`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var rec OrderRecord
		if err := rows.Scan(
			&rec.SignalID,
			&rec.Time,
			&rec.Adapter,
			&rec.Symbol,
			&rec.Side,
			&rec.Quantity,
			&rec.OK,
			&rec.OrderID,
			&rec.Status,
			&rec.ErrorKind,
			&rec.Error,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
