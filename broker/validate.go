package broker

import (
	"math"
	"strings"
)

// ValidateOrder checks req locally. It must run before an adapter touches
// its session so that bad input never costs a connection attempt.
func ValidateOrder(req OrderRequest) error {
	const op = "place order"

	if strings.TrimSpace(req.Symbol) == "" {
		return ValidationError(op, "symbol is required")
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return ValidationError(op, "quantity must be a finite number, got %v", req.Quantity)
	}
	if req.Quantity <= 0 {
		return ValidationError(op, "quantity must be positive, got %v", req.Quantity)
	}
	if !req.Side.Valid() {
		return ValidationError(op, "side must be BUY or SELL, got %q", req.Side)
	}
	return nil
}

// NormalizeOrder trims and upper-cases the symbol and side.
func NormalizeOrder(req OrderRequest) OrderRequest {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Side = Side(strings.ToUpper(strings.TrimSpace(string(req.Side))))
	return req
}
