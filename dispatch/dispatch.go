// Package dispatch routes every broker call through one adapter and
// guarantees the response envelope no matter how the adapter behaves.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/journal"
	"github.com/rustyeddy/esentrader/signal"
)

const DefaultTimeout = 15 * time.Second

// maxRawLen caps the raw body kept for payloads that are not JSON objects.
const maxRawLen = 4096

// redactedKeys are dropped from raw payloads before they are journaled.
var redactedKeys = []string{"passphrase", "secret", "token", "password"}

type Options struct {
	// Timeout bounds each adapter call. Zero means DefaultTimeout.
	Timeout    time.Duration
	Journal    journal.Journal
	Normalizer *signal.Normalizer
	Observer   Observer
	Logger     *slog.Logger
}

// Dispatcher owns the active adapter for the life of the process.
type Dispatcher struct {
	adapter broker.Adapter
	timeout time.Duration
	journal journal.Journal
	norm    *signal.Normalizer
	obs     Observer
	log     *slog.Logger
	now     func() time.Time
}

// SubmitResult pairs the normalized intent with the adapter's answer.
type SubmitResult struct {
	Intent   signal.OrderIntent                  `json:"intent"`
	Response broker.Response[broker.OrderResult] `json:"response"`
}

func New(a broker.Adapter, opts Options) *Dispatcher {
	d := &Dispatcher{
		adapter: a,
		timeout: opts.Timeout,
		journal: opts.Journal,
		norm:    opts.Normalizer,
		obs:     opts.Observer,
		log:     opts.Logger,
		now:     time.Now,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.journal == nil {
		d.journal = journal.Nop{}
	}
	if d.norm == nil {
		d.norm = signal.Default()
	}
	if d.obs == nil {
		d.obs = nopObserver{}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With(slog.String("adapter", a.Name()))
	return d
}

func (d *Dispatcher) Name() string { return d.adapter.Name() }

// Normalizer returns the normalizer used by Submit.
func (d *Dispatcher) Normalizer() *signal.Normalizer { return d.norm }

func (d *Dispatcher) Connect(ctx context.Context) broker.Session {
	start := time.Now()
	s := d.session(ctx, "connect", d.adapter.Connect)
	d.log.Info("connect",
		slog.Bool("connected", s.Connected),
		slog.String("state", string(s.State)),
		slog.String("last_error", s.LastError),
		slog.Duration("duration", time.Since(start)))
	d.obs.Publish(Event{Type: EventSession, Time: d.now().UTC(), Adapter: d.Name(), Session: &s})
	return s
}

func (d *Dispatcher) Status(ctx context.Context) broker.Session {
	return d.session(ctx, "status", d.adapter.Status)
}

func (d *Dispatcher) AccountInfo(ctx context.Context) broker.Response[broker.AccountSummary] {
	return call(ctx, d, "account info", d.adapter.AccountInfo)
}

func (d *Dispatcher) Positions(ctx context.Context) broker.Response[[]broker.Position] {
	res := call(ctx, d, "positions", d.adapter.Positions)
	if res.OK && *res.Data == nil {
		empty := []broker.Position{}
		res.Data = &empty
	}
	return res
}

// PlaceOrder submits a direct order, outside any signal.
func (d *Dispatcher) PlaceOrder(ctx context.Context, req broker.OrderRequest) broker.Response[broker.OrderResult] {
	return d.placeOrder(ctx, "", "", req)
}

func (d *Dispatcher) placeOrder(ctx context.Context, signalID, source string, req broker.OrderRequest) broker.Response[broker.OrderResult] {
	res := call(ctx, d, "place order", func(ctx context.Context) broker.Response[broker.OrderResult] {
		return d.adapter.PlaceOrder(ctx, req)
	})
	d.recordOrder(ctx, signalID, req, res)
	d.obs.Publish(Event{
		Type:     EventOrder,
		Time:     d.now().UTC(),
		Adapter:  d.Name(),
		Source:   source,
		SignalID: signalID,
		Order:    &res,
	})
	return res
}

// Submit normalizes raw, journals it and dispatches it. A signal that does
// not validate is journaled and answered with a validation envelope.
func (d *Dispatcher) Submit(ctx context.Context, source string, raw map[string]any) SubmitResult {
	in := d.norm.Normalize(raw)
	return d.submit(ctx, source, in, rawText(raw, nil))
}

// SubmitJSON is Submit for an untrusted body.
func (d *Dispatcher) SubmitJSON(ctx context.Context, source string, body []byte) SubmitResult {
	in, raw := d.norm.NormalizeJSON(body)
	return d.submit(ctx, source, in, rawText(raw, body))
}

func (d *Dispatcher) submit(ctx context.Context, source string, in signal.OrderIntent, raw string) SubmitResult {
	d.recordSignal(ctx, source, in, raw)
	d.obs.Publish(Event{
		Type:     EventSignal,
		Time:     d.now().UTC(),
		Adapter:  d.Name(),
		Source:   source,
		SignalID: in.ID,
		Intent:   &in,
	})

	if err := in.Validate(); err != nil {
		res := broker.Fail[broker.OrderResult](err, d.Status(ctx))
		d.log.Warn("signal rejected",
			slog.String("signal_id", in.ID),
			slog.String("source", source),
			slog.String("error", res.Error))
		req := broker.OrderRequest{Symbol: in.Symbol, Side: broker.Side(in.Side)}
		if in.Quantity != nil {
			req.Quantity = *in.Quantity
		}
		d.recordOrder(ctx, in.ID, req, res)
		d.obs.Publish(Event{
			Type:     EventOrder,
			Time:     d.now().UTC(),
			Adapter:  d.Name(),
			Source:   source,
			SignalID: in.ID,
			Order:    &res,
		})
		return SubmitResult{Intent: in, Response: res}
	}

	res := d.placeOrder(ctx, in.ID, source, in.OrderRequest())
	return SubmitResult{Intent: in, Response: res}
}

// Close shuts the adapter and the journal.
func (d *Dispatcher) Close() error {
	return errors.Join(d.adapter.Close(), d.journal.Close())
}

// call runs fn under the dispatcher timeout and repairs the envelope.
func call[T any](ctx context.Context, d *Dispatcher, op string, fn func(context.Context) broker.Response[T]) broker.Response[T] {
	start := time.Now()
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch := make(chan broker.Response[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- broker.Response[T]{
					Error:     broker.BrokerageFault(op, fmt.Errorf("adapter panic: %v", r)).Error(),
					ErrorKind: broker.KindBrokerage,
				}
			}
		}()
		ch <- fn(cctx)
	}()

	var res broker.Response[T]
	select {
	case res = <-ch:
	case <-cctx.Done():
		err := broker.ConnectionError(op, fmt.Errorf("%s adapter did not answer: %w", d.Name(), cctx.Err()))
		res = broker.Response[T]{Error: err.Error(), ErrorKind: err.Kind}
	}

	res = repair(res, op, func() broker.Session { return d.Status(ctx) })
	d.logCall(op, res.OK, res.ErrorKind, res.Error, time.Since(start))
	return res
}

// repair enforces the envelope: failures carry text, a kind and the
// session, successes carry data.
func repair[T any](res broker.Response[T], op string, status func() broker.Session) broker.Response[T] {
	if res.OK {
		if res.Data == nil {
			var zero T
			res.Data = &zero
		}
		res.Error = ""
		res.ErrorKind = ""
		return res
	}

	res.Data = nil
	if res.Error == "" {
		res.Error = op + ": adapter returned no result"
	}
	if res.ErrorKind == "" {
		res.ErrorKind = broker.KindBrokerage
	}
	if res.Details == nil {
		s := status()
		res.Details = &s
	}
	return res
}

// session runs a session call with the same timeout and panic guard.
func (d *Dispatcher) session(ctx context.Context, op string, fn func(context.Context) broker.Session) broker.Session {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch := make(chan broker.Session, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- broker.Session{
					Adapter:   d.Name(),
					State:     broker.Disconnected,
					LastError: fmt.Sprintf("%s: adapter panic: %v", op, r),
				}
			}
		}()
		ch <- fn(cctx)
	}()

	select {
	case s := <-ch:
		if s.Adapter == "" {
			s.Adapter = d.Name()
		}
		return s
	case <-cctx.Done():
		return broker.Session{
			Adapter:   d.Name(),
			State:     broker.Disconnected,
			LastError: fmt.Sprintf("%s: adapter did not answer: %v", op, cctx.Err()),
		}
	}
}

func (d *Dispatcher) logCall(op string, ok bool, kind broker.ErrorKind, msg string, dur time.Duration) {
	attrs := []any{
		slog.String("op", op),
		slog.Bool("ok", ok),
		slog.Duration("duration", dur),
	}
	if ok {
		d.log.Info("dispatch", attrs...)
		return
	}
	attrs = append(attrs, slog.String("kind", string(kind)), slog.String("error", msg))
	d.log.Warn("dispatch", attrs...)
}

func (d *Dispatcher) recordSignal(ctx context.Context, source string, in signal.OrderIntent, raw string) {
	err := d.journal.RecordSignal(ctx, journal.SignalRecord{
		ID:          in.ID,
		ReceivedAt:  in.ReceivedAt,
		Source:      source,
		Raw:         raw,
		Symbol:      in.Symbol,
		Side:        string(in.Side),
		Sizing:      string(in.Sizing),
		Quantity:    in.Quantity,
		NotionalUSD: in.NotionalUSD,
		Note:        in.Note,
	})
	if err != nil {
		d.log.Error("journal signal", slog.String("signal_id", in.ID), slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) recordOrder(ctx context.Context, signalID string, req broker.OrderRequest, res broker.Response[broker.OrderResult]) {
	rec := journal.OrderRecord{
		SignalID:  signalID,
		Time:      d.now().UTC(),
		Adapter:   d.Name(),
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Quantity:  req.Quantity,
		OK:        res.OK,
		ErrorKind: string(res.ErrorKind),
		Error:     res.Error,
	}
	if res.OK {
		r := res.Value()
		rec.OrderID = r.OrderID
		rec.Status = r.Status
		rec.Symbol = r.Symbol
		rec.Side = string(r.Side)
	}
	if err := d.journal.RecordOrder(ctx, rec); err != nil {
		d.log.Error("journal order", slog.String("signal_id", signalID), slog.String("error", err.Error()))
	}
}

// rawText is the journaled form of a payload: the object with secrets
// removed, or the capped body when it was not an object.
func rawText(raw map[string]any, body []byte) string {
	if len(raw) == 0 && len(body) > 0 {
		if len(body) > maxRawLen {
			body = body[:maxRawLen]
		}
		return string(body)
	}

	clean := make(map[string]any, len(raw))
	for k, v := range raw {
		clean[k] = v
	}
	for _, k := range redactedKeys {
		for ck := range clean {
			if strings.EqualFold(ck, k) {
				delete(clean, ck)
			}
		}
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(b)
}
