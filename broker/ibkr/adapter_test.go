package ibkr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/esentrader/broker"
)

// fakeGateway records calls and returns canned answers.
type fakeGateway struct {
	mu        sync.Mutex
	connected bool

	connectErr   error
	connectDelay time.Duration
	connectBlock chan struct{}
	accounts     []string
	accountsErr  error
	summary      []AccountValue
	summaryErr   error
	positions    []PortfolioItem
	positionsErr error
	trade        Trade
	placeErr     error
	placePanic   any
	status       string

	connects     atomic.Int32
	inFlight     atomic.Int32
	maxInFlight  atomic.Int32
	accountCalls atomic.Int32
	placed       []Order
	contracts    []Contract
}

func (g *fakeGateway) Connect(ctx context.Context, host string, port, clientID int) error {
	g.connects.Add(1)
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		m := g.maxInFlight.Load()
		if n <= m || g.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	if g.connectBlock != nil {
		<-g.connectBlock
	}
	if g.connectDelay > 0 {
		time.Sleep(g.connectDelay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectErr != nil {
		return g.connectErr
	}
	g.connected = true
	return nil
}

func (g *fakeGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *fakeGateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	g.mu.Unlock()
}

func (g *fakeGateway) Disconnect() error {
	g.setConnected(false)
	return nil
}

func (g *fakeGateway) ManagedAccounts(ctx context.Context) ([]string, error) {
	g.accountCalls.Add(1)
	return g.accounts, g.accountsErr
}

func (g *fakeGateway) AccountSummary(ctx context.Context, account string) ([]AccountValue, error) {
	return g.summary, g.summaryErr
}

func (g *fakeGateway) Positions(ctx context.Context) ([]PortfolioItem, error) {
	return g.positions, g.positionsErr
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, c Contract, o Order) (Trade, error) {
	if g.placePanic != nil {
		panic(g.placePanic)
	}
	g.mu.Lock()
	g.placed = append(g.placed, o)
	g.contracts = append(g.contracts, c)
	g.mu.Unlock()
	return g.trade, g.placeErr
}

func (g *fakeGateway) OrderStatus(ctx context.Context, orderID string) (string, error) {
	return g.status, nil
}

func newTestAdapter(gw *fakeGateway, cfg Config) *Adapter {
	a := New(gw, cfg)
	a.SetSleep(func(context.Context, time.Duration) {})
	return a
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	a := New(&fakeGateway{}, Config{})
	s := a.Status(context.Background())
	assert.Equal(t, DefaultHost, s.Host)
	assert.Equal(t, DefaultPort, s.Port)
	assert.Equal(t, DefaultClientID, s.ClientID)
	assert.Equal(t, broker.Disconnected, s.State)
	assert.Equal(t, Name, s.Adapter)
}

func TestSettleWaitDefaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultSettleWait, Config{}.withDefaults().SettleWait)
	assert.Equal(t, 250*time.Millisecond, Config{SettleWait: 250 * time.Millisecond}.withDefaults().SettleWait)
	assert.Zero(t, Config{SettleWait: NoSettleWait}.withDefaults().SettleWait)
}

func TestNoSettleWaitSkipsSleep(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{trade: Trade{OrderID: "9", Status: StatusPendingSubmit}, status: "Submitted"}
	a := New(gw, Config{SettleWait: NoSettleWait})
	var slept []time.Duration
	a.SetSleep(func(_ context.Context, d time.Duration) { slept = append(slept, d) })

	res := a.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "IBM", Quantity: 1, Side: broker.Buy})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "Submitted", res.Value().Status)
	assert.Empty(t, slept)
}

func TestConnectResolvesMasterAccount(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{accounts: []string{"DU111", "DU222"}}
	a := newTestAdapter(gw, Config{})
	ctx := context.Background()

	s := a.Connect(ctx)
	require.True(t, s.Connected)
	assert.Empty(t, s.LastError)
	assert.Equal(t, broker.Connected, s.State)
	assert.Equal(t, "DU111", s.MasterAccount)

	again := a.Connect(ctx)
	assert.Equal(t, s, again)
	assert.EqualValues(t, 1, gw.connects.Load(), "connected adapter must not reconnect")

	// a dropped session reconnects but keeps the cached account
	gw.setConnected(false)
	gw.accounts = []string{"DU999"}
	s = a.Connect(ctx)
	require.True(t, s.Connected)
	assert.Equal(t, "DU111", s.MasterAccount)
	assert.EqualValues(t, 2, gw.connects.Load())
	assert.EqualValues(t, 1, gw.accountCalls.Load())

	a.ResetMasterAccount()
	gw.setConnected(false)
	s = a.Connect(ctx)
	assert.Equal(t, "DU999", s.MasterAccount)
}

func TestConfiguredMasterAccountWins(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{accounts: []string{"DU111"}}
	a := newTestAdapter(gw, Config{MasterAccount: "U777"})

	s := a.Connect(context.Background())
	assert.Equal(t, "U777", s.MasterAccount)
	assert.Zero(t, gw.accountCalls.Load())
}

func TestConnectFailure(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{connectErr: errors.New("connection refused 127.0.0.1:7497")}
	a := newTestAdapter(gw, Config{})
	ctx := context.Background()

	s := a.Connect(ctx)
	assert.False(t, s.Connected)
	assert.Equal(t, broker.Disconnected, s.State)
	assert.Contains(t, s.LastError, "connection refused 127.0.0.1:7497")

	res := a.AccountInfo(ctx)
	assert.False(t, res.OK)
	assert.Nil(t, res.Data)
	assert.Equal(t, broker.KindConnection, res.ErrorKind)
	assert.Contains(t, res.Error, "connection refused 127.0.0.1:7497")
	require.NotNil(t, res.Details)
	assert.False(t, res.Details.Connected)
	assert.Contains(t, res.Details.LastError, "connection refused")

	pos := a.Positions(ctx)
	assert.False(t, pos.OK)
	assert.Equal(t, broker.KindConnection, pos.ErrorKind)
	require.NotNil(t, pos.Details)

	// each call made exactly one connect attempt
	assert.EqualValues(t, 3, gw.connects.Load())

	gw.mu.Lock()
	gw.connectErr = nil
	gw.mu.Unlock()
	s = a.Connect(ctx)
	assert.True(t, s.Connected)
	assert.Empty(t, s.LastError)
}

func TestConnectPanicIsContained(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(&fakeGateway{}, Config{})
	a.gw = &panicGateway{fakeGateway: &fakeGateway{}}

	var s broker.Session
	assert.NotPanics(t, func() { s = a.Connect(context.Background()) })
	assert.False(t, s.Connected)
	assert.Contains(t, s.LastError, "boom")
}

type panicGateway struct{ *fakeGateway }

func (*panicGateway) Connect(context.Context, string, int, int) error { panic("boom") }
func (*panicGateway) IsConnected() bool                                { panic("boom") }

func TestConnectTimeoutBoundsHungGateway(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	gw := &fakeGateway{connectBlock: block}
	a := newTestAdapter(gw, Config{ConnectTimeout: 50 * time.Millisecond})

	start := time.Now()
	s := a.Connect(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Connected)
	assert.Contains(t, s.LastError, "timed out")

	// the abandoned attempt is still running: no second gateway connect
	s = a.Connect(context.Background())
	assert.False(t, s.Connected)
	assert.Contains(t, s.LastError, "previous connect attempt still running")
	assert.EqualValues(t, 1, gw.connects.Load())

	close(block)
	require.Eventually(t, func() bool {
		return a.Connect(context.Background()).Connected
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, gw.connects.Load())
}

func TestConcurrentConnectSharesOneSession(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{connectDelay: 50 * time.Millisecond, accounts: []string{"DU1"}}
	a := newTestAdapter(gw, Config{})

	var wg sync.WaitGroup
	sessions := make([]broker.Session, 32)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = a.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, gw.connects.Load())
	assert.EqualValues(t, 1, gw.maxInFlight.Load())
	for _, s := range sessions {
		assert.True(t, s.Connected)
		assert.Equal(t, "DU1", s.MasterAccount)
	}
}

func TestConnectCallerDeadline(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	gw := &fakeGateway{connectBlock: block}
	a := newTestAdapter(gw, Config{ConnectTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := a.Connect(ctx)
	assert.False(t, s.Connected)
	assert.Equal(t, broker.Connecting, s.State)
}

func TestStatusRederivesFromGateway(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	a := newTestAdapter(gw, Config{})
	ctx := context.Background()

	require.True(t, a.Connect(ctx).Connected)
	assert.True(t, a.Status(ctx).Connected)

	gw.setConnected(false)
	s := a.Status(ctx)
	assert.False(t, s.Connected)
	assert.Equal(t, broker.Disconnected, s.State)
	assert.EqualValues(t, 1, gw.connects.Load(), "status must not reconnect")
}

func TestAccountInfo(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		accounts: []string{"DU1"},
		summary: []AccountValue{
			{Account: "DU1", Tag: "NetLiquidation", Value: "125000.50", Currency: "USD"},
			{Account: "DU1", Tag: "TotalCashValue", Value: "25000", Currency: "USD"},
			{Account: "DU1", Tag: "BuyingPower", Value: "500000", Currency: "USD"},
			{Account: "DU1", Tag: "AccountType", Value: "INDIVIDUAL"},
		},
	}
	a := newTestAdapter(gw, Config{})

	res := a.AccountInfo(context.Background())
	require.True(t, res.OK, res.Error)
	sum := res.Value()
	assert.Equal(t, "DU1", sum.Account)
	assert.Equal(t, "USD", sum.Currency)
	assert.Equal(t, 125000.50, sum.NetLiquidation)
	assert.Equal(t, 125000.50, sum.Equity)
	assert.Equal(t, 25000.0, sum.Cash)
	assert.Equal(t, 500000.0, sum.BuyingPower)
	assert.Equal(t, "INDIVIDUAL", sum.Raw["AccountType"])
	assert.Len(t, sum.Raw, 4)
	assert.EqualValues(t, 1, gw.connects.Load(), "AccountInfo connects on demand")
}

func TestAccountInfoBrokerageFault(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{summaryErr: errors.New("account data is stale")}
	a := newTestAdapter(gw, Config{})

	res := a.AccountInfo(context.Background())
	assert.False(t, res.OK)
	assert.Equal(t, broker.KindBrokerage, res.ErrorKind)
	assert.Equal(t, "account info: account data is stale", res.Error)
	require.NotNil(t, res.Details)
	assert.True(t, res.Details.Connected, "a brokerage fault leaves the session up")
}

func TestPositionsLostConnection(t *testing.T) {
	t.Parallel()

	mkt := 101.0
	gw := &fakeGateway{
		positions:    []PortfolioItem{{Account: "DU1", Symbol: "AAPL", Position: 1, MarketPrice: &mkt}},
		positionsErr: fmt.Errorf("read: %w", broker.ErrNotConnected),
	}
	a := newTestAdapter(gw, Config{})

	res := a.Positions(context.Background())
	assert.False(t, res.OK)
	assert.Nil(t, res.Data, "partial positions must be discarded")
	assert.Equal(t, broker.KindConnection, res.ErrorKind)
	require.NotNil(t, res.Details)
	assert.False(t, res.Details.Connected)
	assert.Contains(t, res.Details.LastError, "not connected")
}

func TestPositions(t *testing.T) {
	t.Parallel()

	mkt, pnl := 190.0, 100.0
	gw := &fakeGateway{positions: []PortfolioItem{
		{Account: "DU1", Symbol: "MSFT", Position: 2, AvgCost: 400},
		{Account: "DU1", Symbol: "AAPL", Position: 10, AvgCost: 180, MarketPrice: &mkt, UnrealizedPnL: &pnl},
	}}
	a := newTestAdapter(gw, Config{})

	res := a.Positions(context.Background())
	require.True(t, res.OK)
	got := res.Value()
	require.Len(t, got, 2)
	assert.Equal(t, "MSFT", got[0].Symbol, "brokerage order is kept")
	assert.Nil(t, got[0].MarketPrice)
	assert.Equal(t, 100.0, *got[1].UnrealizedPnL)
}

func TestPlaceOrderValidatesBeforeConnecting(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	a := newTestAdapter(gw, Config{})
	ctx := context.Background()

	res := a.PlaceOrder(ctx, broker.OrderRequest{Symbol: "", Quantity: 1, Side: broker.Buy})
	assert.False(t, res.OK)
	assert.Equal(t, broker.KindValidation, res.ErrorKind)
	assert.Contains(t, res.Error, "symbol is required")

	res = a.PlaceOrder(ctx, broker.OrderRequest{Symbol: "AAPL", Quantity: -5, Side: broker.Buy})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "quantity must be positive, got -5")
	require.NotNil(t, res.Details)

	assert.Zero(t, gw.connects.Load())
	assert.Empty(t, gw.placed)
}

func TestPlaceOrder(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		accounts: []string{"DU1"},
		trade:    Trade{OrderID: "1001", Status: StatusPendingSubmit},
		status:   "Submitted",
	}
	a := New(gw, Config{SettleWait: 250 * time.Millisecond})

	var slept []time.Duration
	a.SetSleep(func(_ context.Context, d time.Duration) { slept = append(slept, d) })

	res := a.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "aapl", Quantity: 10, Side: "buy"})
	require.True(t, res.OK, res.Error)

	got := res.Value()
	assert.Equal(t, "1001", got.OrderID)
	assert.Equal(t, "Submitted", got.Status)
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, broker.Buy, got.Side)
	assert.Equal(t, "DU1", got.Account)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, slept)

	require.Len(t, gw.placed, 1)
	assert.Equal(t, Order{Action: "BUY", Quantity: 10, OrderType: "MKT", Account: "DU1"}, gw.placed[0])
	assert.Equal(t, Stock("AAPL"), gw.contracts[0])
}

func TestPlaceOrderSettledSkipsWait(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{trade: Trade{OrderID: "7", Status: "Filled"}}
	a := New(gw, Config{})
	waited := false
	a.SetSleep(func(context.Context, time.Duration) { waited = true })

	res := a.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "IBM", Quantity: 1, Side: broker.Sell})
	require.True(t, res.OK)
	assert.Equal(t, "Filled", res.Value().Status)
	assert.False(t, waited)
}

func TestPlaceOrderRejected(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{placeErr: errors.New("Order rejected - reason: insufficient buying power")}
	a := newTestAdapter(gw, Config{})

	res := a.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "AAPL", Quantity: 1e6, Side: broker.Buy})
	assert.False(t, res.OK)
	assert.Equal(t, broker.KindBrokerage, res.ErrorKind)
	assert.Contains(t, res.Error, "Order rejected - reason: insufficient buying power")
}

func TestPlaceOrderGatewayPanic(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{placePanic: "nil contract"}
	a := newTestAdapter(gw, Config{})

	var res broker.Response[broker.OrderResult]
	assert.NotPanics(t, func() {
		res = a.PlaceOrder(context.Background(), broker.OrderRequest{Symbol: "AAPL", Quantity: 1, Side: broker.Buy})
	})
	assert.False(t, res.OK)
	assert.Equal(t, broker.KindBrokerage, res.ErrorKind)
	assert.Contains(t, res.Error, "gateway panic: nil contract")
}

func TestClose(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{}
	a := newTestAdapter(gw, Config{})
	require.True(t, a.Connect(context.Background()).Connected)

	require.NoError(t, a.Close())
	assert.False(t, gw.IsConnected())
	assert.False(t, a.Status(context.Background()).Connected)
}
