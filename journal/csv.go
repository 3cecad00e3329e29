package journal

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var (
	signalHeader = []string{"id", "received_at", "source", "symbol", "side", "sizing", "quantity", "notional_usd", "note", "raw"}
	orderHeader  = []string{"signal_id", "time", "adapter", "symbol", "side", "quantity", "ok", "order_id", "status", "error_kind", "error"}
)

// CSVJournal appends to two csv files. A header is written when a file is
// new or empty.
type CSVJournal struct {
	mu      sync.Mutex
	signals *csv.Writer
	orders  *csv.Writer
	sf, of  *os.File
}

func NewCSV(signalsPath, ordersPath string) (*CSVJournal, error) {
	if signalsPath == "" || ordersPath == "" {
		return nil, fmt.Errorf("csv journal: signals and orders paths are required")
	}

	sf, sw, err := openCSV(signalsPath, signalHeader)
	if err != nil {
		return nil, err
	}
	of, ow, err := openCSV(ordersPath, orderHeader)
	if err != nil {
		_ = sf.Close()
		return nil, err
	}

	return &CSVJournal{signals: sw, orders: ow, sf: sf, of: of}, nil
}

func openCSV(path string, header []string) (*os.File, *csv.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("csv journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("csv journal: %w", err)
	}

	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	return f, w, nil
}

func (j *CSVJournal) RecordSignal(_ context.Context, s SignalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.signals.Write([]string{
		s.ID,
		s.ReceivedAt.UTC().Format(time.RFC3339Nano),
		s.Source,
		s.Symbol,
		s.Side,
		s.Sizing,
		optional(s.Quantity),
		optional(s.NotionalUSD),
		s.Note,
		s.Raw,
	})
	if err != nil {
		return err
	}
	j.signals.Flush()
	return j.signals.Error()
}

func (j *CSVJournal) RecordOrder(_ context.Context, o OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.orders.Write([]string{
		o.SignalID,
		o.Time.UTC().Format(time.RFC3339Nano),
		o.Adapter,
		o.Symbol,
		o.Side,
		f(o.Quantity),
		strconv.FormatBool(o.OK),
		o.OrderID,
		o.Status,
		o.ErrorKind,
		o.Error,
	})
	if err != nil {
		return err
	}
	j.orders.Flush()
	return j.orders.Error()
}

func (j *CSVJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.signals.Flush()
	if err := j.signals.Error(); err != nil {
		return err
	}
	j.orders.Flush()
	if err := j.orders.Error(); err != nil {
		return err
	}

	if err := j.sf.Close(); err != nil {
		return err
	}
	return j.of.Close()
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}

func optional(x *float64) string {
	if x == nil {
		return ""
	}
	return f(*x)
}
