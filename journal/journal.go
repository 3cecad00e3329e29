// Package journal is the audit trail of inbound signals and the dispatch
// outcome of each one. It records what arrived and what the broker answered;
// it does not track fills or P/L.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SignalRecord is one inbound signal, raw and normalized.
type SignalRecord struct {
	ID          string
	ReceivedAt  time.Time
	Source      string
	Raw         string
	Symbol      string
	Side        string
	Sizing      string
	Quantity    *float64
	NotionalUSD *float64
	Note        string
}

// OrderRecord is the adapter's answer to a dispatched signal. SignalID is
// empty for orders placed directly through the API or CLI.
type OrderRecord struct {
	SignalID  string
	Time      time.Time
	Adapter   string
	Symbol    string
	Side      string
	Quantity  float64
	OK        bool
	OrderID   string
	Status    string
	ErrorKind string
	Error     string
}

type Journal interface {
	RecordSignal(ctx context.Context, s SignalRecord) error
	RecordOrder(ctx context.Context, o OrderRecord) error
	Close() error
}

var ErrSignalNotFound = errors.New("signal not found")

// Journal types accepted by Open.
const (
	TypeNone   = "none"
	TypeSQLite = "sqlite"
	TypeCSV    = "csv"
	TypeRedis  = "redis"
)

// Options selects and configures a journal backend.
type Options struct {
	Type        string
	DBPath      string
	SignalsFile string
	OrdersFile  string
	RedisAddr   string
	RedisStream string
}

// Open builds the journal named by o.Type. An empty type means none.
func Open(ctx context.Context, o Options) (Journal, error) {
	switch o.Type {
	case "", TypeNone:
		return Nop{}, nil
	case TypeSQLite:
		return NewSQLite(o.DBPath)
	case TypeCSV:
		return NewCSV(o.SignalsFile, o.OrdersFile)
	case TypeRedis:
		return NewRedis(ctx, o.RedisAddr, o.RedisStream)
	default:
		return nil, fmt.Errorf("unknown journal type %q", o.Type)
	}
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordSignal(context.Context, SignalRecord) error { return nil }
func (Nop) RecordOrder(context.Context, OrderRecord) error   { return nil }
func (Nop) Close() error                                     { return nil }
