package signal

import (
	"time"

	"github.com/rustyeddy/esentrader/broker"
)

// Side is the normalized direction of a signal. Anything that is not
// recognizably a buy or a sell is UNKNOWN.
type Side string

const (
	Buy     Side = "BUY"
	Sell    Side = "SELL"
	Unknown Side = "UNKNOWN"
)

// SizingMode says which sizing field of an OrderIntent is set. The zero
// value means the payload had no usable sizing.
type SizingMode string

const (
	Quantity    SizingMode = "QUANTITY"
	NotionalUSD SizingMode = "NOTIONAL_USD"
)

// OrderIntent is the canonical form of one inbound signal. An empty Symbol
// means no symbol alias was present.
type OrderIntent struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Sizing      SizingMode `json:"sizing_mode,omitempty"`
	Quantity    *float64   `json:"quantity"`
	NotionalUSD *float64   `json:"notional_usd"`
	Note        string     `json:"note,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
}

// Validate reports whether the intent can be turned into an order. The
// returned error is a broker validation error.
func (in OrderIntent) Validate() error {
	const op = "dispatch signal"

	if in.Symbol == "" {
		return broker.ValidationError(op, "signal has no symbol")
	}
	if in.Side == Unknown || in.Side == "" {
		return broker.ValidationError(op, "signal side is not buy or sell")
	}
	switch in.Sizing {
	case Quantity:
		if in.Quantity == nil || *in.Quantity <= 0 {
			return broker.ValidationError(op, "quantity must be positive")
		}
	case NotionalUSD:
		return broker.ValidationError(op, "notional usd sizing is not executable, send a quantity")
	default:
		return broker.ValidationError(op, "signal has no quantity")
	}
	return nil
}

// OrderRequest converts the intent to a broker order. Call Validate first.
func (in OrderIntent) OrderRequest() broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol: in.Symbol,
		Side:   broker.Side(in.Side),
	}
	if in.Quantity != nil {
		req.Quantity = *in.Quantity
	}
	return req
}
