package broker

import (
	"context"
)

// Adapter is the capability set every brokerage integration implements.
//
// None of the methods return Go errors: connection state is reported through
// Session and every data call returns a Response envelope, so callers above
// the adapter never have to handle a raised fault.
type Adapter interface {
	// Name is the adapter kind, e.g. "demo" or "ibkr".
	Name() string

	// Connect establishes the session if needed. Calling it on a connected
	// adapter is cheap and returns the current session.
	Connect(ctx context.Context) Session

	// Status is a read-only snapshot derived from the underlying session.
	Status(ctx context.Context) Session

	AccountInfo(ctx context.Context) Response[AccountSummary]
	Positions(ctx context.Context) Response[[]Position]
	PlaceOrder(ctx context.Context, req OrderRequest) Response[OrderResult]

	// Close releases the underlying session.
	Close() error
}

// Side is the order direction sent to a brokerage.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// AccountSummary is a cash/equity snapshot. It is rebuilt on every call.
type AccountSummary struct {
	Account        string            `json:"account"`
	Currency       string            `json:"currency"`
	Cash           float64           `json:"cash"`
	Equity         float64           `json:"equity"`
	NetLiquidation float64           `json:"net_liquidation"`
	BuyingPower    float64           `json:"buying_power,omitempty"`
	Raw            map[string]string `json:"raw,omitempty"`
}

// Position is one open holding as reported by the brokerage.
type Position struct {
	Account       string   `json:"account"`
	Symbol        string   `json:"symbol"`
	Quantity      float64  `json:"qty"`
	AvgCost       float64  `json:"avg_price"`
	MarketPrice   *float64 `json:"market_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
}

type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Side     Side    `json:"side"`
}

type OrderResult struct {
	OrderID  string  `json:"order_id"`
	Status   string  `json:"status"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Side     Side    `json:"side"`
	Account  string  `json:"account,omitempty"`
}
