package ibkr

import (
	"context"
)

// Gateway is the brokerage client the adapter drives. Implementations wrap
// the brokerage's own protocol; errors that mean the session is gone must
// wrap broker.ErrNotConnected.
type Gateway interface {
	Connect(ctx context.Context, host string, port, clientID int) error
	IsConnected() bool
	Disconnect() error

	ManagedAccounts(ctx context.Context) ([]string, error)
	AccountSummary(ctx context.Context, account string) ([]AccountValue, error)
	Positions(ctx context.Context) ([]PortfolioItem, error)
	PlaceOrder(ctx context.Context, c Contract, o Order) (Trade, error)
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// AccountValue is one account summary tag, e.g. NetLiquidation.
type AccountValue struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

// PortfolioItem is one position as the gateway reports it. MarketPrice and
// UnrealizedPnL are nil when the gateway does not provide them.
type PortfolioItem struct {
	Account       string
	Symbol        string
	Position      float64
	AvgCost       float64
	MarketPrice   *float64
	UnrealizedPnL *float64
}

// Contract describes the instrument. Only stocks are supported.
type Contract struct {
	Symbol   string
	SecType  string
	Exchange string
	Currency string
}

// Stock returns a SMART-routed USD stock contract.
func Stock(symbol string) Contract {
	return Contract{Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD"}
}

// Order is a market order. Account is optional.
type Order struct {
	Action    string
	Quantity  float64
	OrderType string
	Account   string
}

// MarketOrder builds a MKT order.
func MarketOrder(action string, qty float64, account string) Order {
	return Order{Action: action, Quantity: qty, OrderType: "MKT", Account: account}
}

// Trade is the gateway's acknowledgment of a submitted order. Either field
// may still be empty right after submission.
type Trade struct {
	OrderID string
	Status  string
}

// Status values the gateway reports before an order settles.
const (
	StatusPendingSubmit = "PendingSubmit"
	StatusApiPending    = "ApiPending"
)

func (t Trade) settled() bool {
	switch t.Status {
	case "", StatusPendingSubmit, StatusApiPending:
		return false
	}
	return t.OrderID != ""
}
