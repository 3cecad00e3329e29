// Package demo is a deterministic in-memory broker adapter. It never does
// I/O and is the reference adapter for dispatcher and normalizer tests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/pkg/id"
)

const (
	Name = "demo"

	AccountID = "DEMO-001"
	Currency  = "USD"

	// StatusSubmitted is the synthetic status of every accepted demo order.
	StatusSubmitted = "Submitted"
)

// Holding is one reference position of the simulated account.
type Holding struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgCost     decimal.Decimal
	MarketPrice decimal.Decimal
}

// UnrealizedPnL is (market - avg) * qty.
func (h Holding) UnrealizedPnL() decimal.Decimal {
	return h.MarketPrice.Sub(h.AvgCost).Mul(h.Quantity)
}

// ReferenceHoldings is the fixed book reported while connected.
func ReferenceHoldings() []Holding {
	return []Holding{
		{
			Symbol:      "AAPL",
			Quantity:    decimal.NewFromInt(10),
			AvgCost:     decimal.RequireFromString("180.00"),
			MarketPrice: decimal.RequireFromString("185.50"),
		},
		{
			Symbol:      "MSFT",
			Quantity:    decimal.NewFromInt(5),
			AvgCost:     decimal.RequireFromString("410.00"),
			MarketPrice: decimal.RequireFromString("402.00"),
		},
	}
}

// Adapter simulates a broker session. Reads reflect the simulated session:
// a disconnected demo account is empty, it is not an error. Orders open the
// session on demand.
type Adapter struct {
	mu       sync.Mutex
	session  broker.Session
	cash     decimal.Decimal
	holdings []Holding
	orders   []broker.OrderResult
	connects int
	offline  bool
}

func New() *Adapter {
	return &Adapter{
		session: broker.Session{
			Adapter: Name,
			State:   broker.Disconnected,
			Host:    "demo",
		},
		cash:     decimal.NewFromInt(100_000),
		holdings: ReferenceHoldings(),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Connect(ctx context.Context) broker.Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.connects++
	a.connectLocked()
	return a.session
}

// connectLocked opens the simulated session. a.mu must be held.
func (a *Adapter) connectLocked() bool {
	if a.offline {
		a.session.MarkFailed(broker.ConnectionError("connect", errOffline))
		return false
	}
	if !a.session.Connected {
		a.session.MarkConnected()
		a.session.MasterAccount = AccountID
		slog.Info("demo adapter connected", slog.String("account", AccountID))
	}
	return true
}

var errOffline = errors.New("demo gateway offline")

// SetOffline simulates an unreachable gateway. Going offline drops the
// session; connects fail until it is cleared.
func (a *Adapter) SetOffline(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = v
	if v {
		a.session.State = broker.Disconnected
		a.session.Connected = false
	}
}

func (a *Adapter) Status(ctx context.Context) broker.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) AccountInfo(ctx context.Context) broker.Response[broker.AccountSummary] {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.session.Connected {
		return broker.OK(broker.AccountSummary{
			Account:  AccountID,
			Currency: Currency,
			Raw:      map[string]string{},
		})
	}

	equity := a.cash
	for _, h := range a.holdings {
		equity = equity.Add(h.MarketPrice.Mul(h.Quantity))
	}

	return broker.OK(broker.AccountSummary{
		Account:        AccountID,
		Currency:       Currency,
		Cash:           a.cash.InexactFloat64(),
		Equity:         equity.InexactFloat64(),
		NetLiquidation: equity.InexactFloat64(),
		Raw: map[string]string{
			"TotalCashValue": a.cash.StringFixed(2),
			"NetLiquidation": equity.StringFixed(2),
		},
	})
}

func (a *Adapter) Positions(ctx context.Context) broker.Response[[]broker.Position] {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]broker.Position, 0, len(a.holdings))
	if !a.session.Connected {
		return broker.OK(out)
	}

	for _, h := range a.holdings {
		mkt := h.MarketPrice.InexactFloat64()
		pnl := h.UnrealizedPnL().InexactFloat64()
		out = append(out, broker.Position{
			Account:       AccountID,
			Symbol:        h.Symbol,
			Quantity:      h.Quantity.InexactFloat64(),
			AvgCost:       h.AvgCost.InexactFloat64(),
			MarketPrice:   &mkt,
			UnrealizedPnL: &pnl,
		})
	}
	return broker.OK(out)
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) broker.Response[broker.OrderResult] {
	req = broker.NormalizeOrder(req)
	if err := broker.ValidateOrder(req); err != nil {
		return broker.Fail[broker.OrderResult](err, a.Status(ctx))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.session.Connected && !a.connectLocked() {
		return broker.Fail[broker.OrderResult](
			broker.ConnectionError("place order", fmt.Errorf("%w: %s", broker.ErrNotConnected, errOffline)), a.session)
	}

	res := broker.OrderResult{
		OrderID:  id.Prefixed(Name),
		Status:   StatusSubmitted,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Side:     req.Side,
		Account:  AccountID,
	}
	a.orders = append(a.orders, res)

	slog.Info("demo order accepted",
		slog.String("id", res.OrderID),
		slog.String("symbol", res.Symbol),
		slog.String("side", string(res.Side)),
		slog.Float64("qty", res.Quantity))

	return broker.OK(res)
}

// Orders returns the acknowledged orders in submission order.
func (a *Adapter) Orders() []broker.OrderResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]broker.OrderResult, len(a.orders))
	copy(out, a.orders)
	return out
}

// ConnectCalls counts Connect invocations.
func (a *Adapter) ConnectCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// Close drops the simulated session.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session.State = broker.Disconnected
	a.session.Connected = false
	return nil
}

var _ broker.Adapter = (*Adapter)(nil)
