package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/broker/demo"
	"github.com/rustyeddy/esentrader/journal"
	"github.com/rustyeddy/esentrader/signal"
)

type memJournal struct {
	mu      sync.Mutex
	signals []journal.SignalRecord
	orders  []journal.OrderRecord
	fail    bool
	closed  bool
}

func (j *memJournal) RecordSignal(_ context.Context, s journal.SignalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.signals = append(j.signals, s)
	return nil
}

func (j *memJournal) RecordOrder(_ context.Context, o journal.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return errors.New("disk full")
	}
	j.orders = append(j.orders, o)
	return nil
}

func (j *memJournal) Close() error {
	j.closed = true
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newDemoDispatcher(t *testing.T) (*Dispatcher, *demo.Adapter, *memJournal, *recorder) {
	t.Helper()
	a := demo.New()
	j := &memJournal{}
	r := &recorder{}
	d := New(a, Options{Journal: j, Observer: r, Logger: quietLogger()})
	return d, a, j, r
}

// badAdapter misbehaves in the ways the dispatcher must absorb.
type badAdapter struct {
	panicOn string
	hang    chan struct{}
}

func (b *badAdapter) Name() string { return "bad" }

func (b *badAdapter) Connect(ctx context.Context) broker.Session {
	if b.panicOn == "connect" {
		panic("connect exploded")
	}
	if b.hang != nil {
		<-b.hang
	}
	return broker.Session{State: broker.Connected, Connected: true}
}

func (b *badAdapter) Status(ctx context.Context) broker.Session {
	return broker.Session{Adapter: "bad", State: broker.Disconnected}
}

func (b *badAdapter) AccountInfo(ctx context.Context) broker.Response[broker.AccountSummary] {
	if b.hang != nil {
		<-b.hang
	}
	// failure with no text, kind or details
	return broker.Response[broker.AccountSummary]{}
}

func (b *badAdapter) Positions(ctx context.Context) broker.Response[[]broker.Position] {
	if b.panicOn == "positions" {
		panic("positions exploded")
	}
	return broker.Response[[]broker.Position]{OK: true}
}

func (b *badAdapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) broker.Response[broker.OrderResult] {
	panic("order exploded")
}

func (b *badAdapter) Close() error { return nil }

func TestSubmitValidSignal(t *testing.T) {
	t.Parallel()

	d, a, j, r := newDemoDispatcher(t)
	ctx := context.Background()
	d.Connect(ctx)

	out := d.SubmitJSON(ctx, "webhook", []byte(`{"ticker":"aapl","action":"Buy","qty":"3","passphrase":"hunter2"}`))
	require.True(t, out.Response.OK, out.Response.Error)
	assert.Equal(t, "AAPL", out.Intent.Symbol)
	assert.Equal(t, signal.Buy, out.Intent.Side)
	assert.True(t, strings.HasPrefix(out.Response.Value().OrderID, "DEMO-"))
	assert.Len(t, a.Orders(), 1)

	require.Len(t, j.signals, 1)
	sig := j.signals[0]
	assert.Equal(t, out.Intent.ID, sig.ID)
	assert.Equal(t, "webhook", sig.Source)
	assert.Equal(t, "QUANTITY", sig.Sizing)
	assert.Contains(t, sig.Raw, `"ticker":"aapl"`)
	assert.NotContains(t, sig.Raw, "hunter2")

	require.Len(t, j.orders, 1)
	ord := j.orders[0]
	assert.Equal(t, out.Intent.ID, ord.SignalID)
	assert.True(t, ord.OK)
	assert.Equal(t, out.Response.Value().OrderID, ord.OrderID)
	assert.Equal(t, demo.StatusSubmitted, ord.Status)
	assert.Equal(t, 3.0, ord.Quantity)

	assert.Equal(t, []string{EventSession, EventSignal, EventOrder}, r.types())
}

func TestSubmitMalformedSignal(t *testing.T) {
	t.Parallel()

	d, a, j, _ := newDemoDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"no symbol", `{"side":"buy","qty":1}`, "signal has no symbol"},
		{"unknown side", `{"symbol":"AAPL","side":"hold","qty":1}`, "signal side is not buy or sell"},
		{"no sizing", `{"symbol":"AAPL","side":"buy"}`, "signal has no quantity"},
		{"notional", `{"symbol":"AAPL","side":"buy","usd":500}`, "notional usd sizing is not executable"},
		{"negative qty", `{"symbol":"AAPL","side":"buy","qty":-5}`, "quantity must be positive"},
		{"not json", `not json`, "signal has no symbol"},
	}
	for _, tt := range tests {
		out := d.SubmitJSON(ctx, "api", []byte(tt.body))
		assert.False(t, out.Response.OK, tt.name)
		assert.Equal(t, broker.KindValidation, out.Response.ErrorKind, tt.name)
		assert.Contains(t, out.Response.Error, tt.want, tt.name)
		assert.NotNil(t, out.Response.Details, tt.name)
		assert.Nil(t, out.Response.Data, tt.name)
	}

	assert.Empty(t, a.Orders())
	assert.Zero(t, a.ConnectCalls())
	assert.Len(t, j.signals, len(tests))
	assert.Len(t, j.orders, len(tests))
	assert.Equal(t, "not json", j.signals[len(tests)-1].Raw)
	for _, o := range j.orders {
		assert.False(t, o.OK)
		assert.Equal(t, "validation", o.ErrorKind)
	}
}

func TestSubmitMap(t *testing.T) {
	t.Parallel()

	d, _, j, _ := newDemoDispatcher(t)
	ctx := context.Background()
	d.Connect(ctx)

	out := d.Submit(ctx, "cli", map[string]any{"symbol": "msft", "side": "sell", "quantity": 2})
	require.True(t, out.Response.OK, out.Response.Error)
	assert.Equal(t, broker.Sell, out.Response.Value().Side)
	require.Len(t, j.signals, 1)
	assert.JSONEq(t, `{"symbol":"msft","side":"sell","quantity":2}`, j.signals[0].Raw)
}

func TestSubmitBeforeConnect(t *testing.T) {
	t.Parallel()

	d, a, j, _ := newDemoDispatcher(t)
	ctx := context.Background()

	out := d.Submit(ctx, "webhook", map[string]any{"symbol": "AAPL", "side": "buy", "qty": 1})
	require.True(t, out.Response.OK, out.Response.Error)
	assert.Len(t, a.Orders(), 1)
	assert.True(t, d.Status(ctx).Connected)
	require.Len(t, j.orders, 1)
	assert.True(t, j.orders[0].OK)
}

func TestSubmitWhileOffline(t *testing.T) {
	t.Parallel()

	d, a, j, _ := newDemoDispatcher(t)
	a.SetOffline(true)

	out := d.SubmitJSON(context.Background(), "api", []byte(`{"symbol":"AAPL","side":"buy","qty":1}`))
	assert.False(t, out.Response.OK)
	assert.Equal(t, broker.KindConnection, out.Response.ErrorKind)
	require.Len(t, j.orders, 1)
	assert.Equal(t, "connection", j.orders[0].ErrorKind)
}

func TestJournalFailureDoesNotChangeResponse(t *testing.T) {
	t.Parallel()

	a := demo.New()
	d := New(a, Options{Journal: &memJournal{fail: true}, Logger: quietLogger()})
	ctx := context.Background()
	d.Connect(ctx)

	out := d.SubmitJSON(ctx, "api", []byte(`{"symbol":"AAPL","side":"buy","qty":1}`))
	assert.True(t, out.Response.OK, out.Response.Error)
}

func TestNotionalFirstNormalizer(t *testing.T) {
	t.Parallel()

	n := signal.Default()
	n.Priority = signal.NotionalFirst
	d := New(demo.New(), Options{Normalizer: n, Logger: quietLogger()})

	out := d.SubmitJSON(context.Background(), "api", []byte(`{"symbol":"AAPL","side":"buy","qty":1,"usd":100}`))
	assert.Equal(t, signal.NotionalUSD, out.Intent.Sizing)
	assert.False(t, out.Response.OK)
	assert.Same(t, n, d.Normalizer())
}

func TestDirectOrderJournaled(t *testing.T) {
	t.Parallel()

	d, _, j, r := newDemoDispatcher(t)
	ctx := context.Background()
	d.Connect(ctx)

	res := d.PlaceOrder(ctx, broker.OrderRequest{Symbol: "ibm", Quantity: 4, Side: broker.Buy})
	require.True(t, res.OK)
	require.Len(t, j.orders, 1)
	assert.Empty(t, j.orders[0].SignalID)
	assert.Equal(t, "IBM", j.orders[0].Symbol)
	assert.Empty(t, j.signals)
	assert.Equal(t, []string{EventSession, EventOrder}, r.types())
}

func TestPositionsAndAccountPassThrough(t *testing.T) {
	t.Parallel()

	d, _, _, _ := newDemoDispatcher(t)
	ctx := context.Background()

	pos := d.Positions(ctx)
	require.True(t, pos.OK)
	assert.NotNil(t, *pos.Data)
	assert.Empty(t, *pos.Data)

	d.Connect(ctx)
	pos = d.Positions(ctx)
	require.True(t, pos.OK)
	assert.Len(t, pos.Value(), 2)

	acct := d.AccountInfo(ctx)
	require.True(t, acct.OK)
	assert.Equal(t, demo.AccountID, acct.Value().Account)

	assert.True(t, d.Status(ctx).Connected)
	assert.Equal(t, demo.Name, d.Name())
}

func TestEnvelopeRepair(t *testing.T) {
	t.Parallel()

	d := New(&badAdapter{}, Options{Logger: quietLogger()})
	ctx := context.Background()

	acct := d.AccountInfo(ctx)
	assert.False(t, acct.OK)
	assert.Nil(t, acct.Data)
	assert.Equal(t, "account info: adapter returned no result", acct.Error)
	assert.Equal(t, broker.KindBrokerage, acct.ErrorKind)
	require.NotNil(t, acct.Details)
	assert.Equal(t, "bad", acct.Details.Adapter)

	pos := d.Positions(ctx)
	require.True(t, pos.OK)
	require.NotNil(t, pos.Data)
	assert.NotNil(t, *pos.Data, "nil positions become an empty slice")
	assert.Empty(t, *pos.Data)

	s := d.Connect(ctx)
	assert.Equal(t, "bad", s.Adapter, "missing adapter name is filled in")
}

func TestAdapterPanicsAreContained(t *testing.T) {
	t.Parallel()

	j := &memJournal{}
	d := New(&badAdapter{panicOn: "positions"}, Options{Journal: j, Logger: quietLogger()})
	ctx := context.Background()

	var pos broker.Response[[]broker.Position]
	assert.NotPanics(t, func() { pos = d.Positions(ctx) })
	assert.False(t, pos.OK)
	assert.Equal(t, broker.KindBrokerage, pos.ErrorKind)
	assert.Contains(t, pos.Error, "adapter panic: positions exploded")
	require.NotNil(t, pos.Details)

	var res broker.Response[broker.OrderResult]
	assert.NotPanics(t, func() {
		res = d.PlaceOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Quantity: 1, Side: broker.Buy})
	})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "order exploded")
	require.Len(t, j.orders, 1)
	assert.False(t, j.orders[0].OK)

	d = New(&badAdapter{panicOn: "connect"}, Options{Logger: quietLogger()})
	var s broker.Session
	assert.NotPanics(t, func() { s = d.Connect(ctx) })
	assert.False(t, s.Connected)
	assert.Contains(t, s.LastError, "connect exploded")
}

func TestTimeoutBoundsHungAdapter(t *testing.T) {
	t.Parallel()

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	d := New(&badAdapter{hang: hang}, Options{Timeout: 30 * time.Millisecond, Logger: quietLogger()})
	ctx := context.Background()

	start := time.Now()
	acct := d.AccountInfo(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, acct.OK)
	assert.Equal(t, broker.KindConnection, acct.ErrorKind)
	assert.Contains(t, acct.Error, "did not answer")
	require.NotNil(t, acct.Details)

	s := d.Connect(ctx)
	assert.False(t, s.Connected)
	assert.Contains(t, s.LastError, "did not answer")
}

func TestClose(t *testing.T) {
	t.Parallel()

	d, a, j, _ := newDemoDispatcher(t)
	d.Connect(context.Background())
	require.NoError(t, d.Close())
	assert.True(t, j.closed)
	assert.False(t, a.Status(context.Background()).Connected)
}

func TestRawText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "{}", rawText(nil, nil))
	assert.Equal(t, "[1,2]", rawText(map[string]any{}, []byte("[1,2]")))
	assert.Len(t, rawText(nil, bytes.Repeat([]byte("x"), maxRawLen+10)), maxRawLen)
	assert.JSONEq(t, `{"a":1}`, rawText(map[string]any{"a": 1, "Passphrase": "x", "TOKEN": "y"}, nil))
}
