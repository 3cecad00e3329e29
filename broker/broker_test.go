package broker

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		req    OrderRequest
		errMsg string
	}{
		{"valid buy", OrderRequest{Symbol: "AAPL", Quantity: 1, Side: Buy}, ""},
		{"valid sell", OrderRequest{Symbol: "MSFT", Quantity: 0.5, Side: Sell}, ""},
		{"empty symbol", OrderRequest{Symbol: "", Quantity: 1, Side: Buy}, "symbol is required"},
		{"blank symbol", OrderRequest{Symbol: "   ", Quantity: 1, Side: Buy}, "symbol is required"},
		{"negative quantity", OrderRequest{Symbol: "AAPL", Quantity: -5, Side: Buy}, "quantity must be positive, got -5"},
		{"zero quantity", OrderRequest{Symbol: "AAPL", Quantity: 0, Side: Buy}, "quantity must be positive"},
		{"nan quantity", OrderRequest{Symbol: "AAPL", Quantity: math.NaN(), Side: Buy}, "finite"},
		{"bad side", OrderRequest{Symbol: "AAPL", Quantity: 1, Side: "HOLD"}, "side must be BUY or SELL"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateOrder(tt.req)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestNormalizeOrder(t *testing.T) {
	t.Parallel()

	got := NormalizeOrder(OrderRequest{Symbol: " aapl ", Quantity: 2, Side: "buy"})
	assert.Equal(t, OrderRequest{Symbol: "AAPL", Quantity: 2, Side: Buy}, got)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindConnection, KindOf(ConnectionError("connect", errors.New("refused"))))
	assert.Equal(t, KindConnection, KindOf(fmt.Errorf("gateway: %w", ErrNotConnected)))
	assert.Equal(t, KindBrokerage, KindOf(errors.New("order rejected")))
	assert.Equal(t, KindBrokerage, KindOf(BrokerageFault("place order", errors.New("margin"))))

	wrapped := fmt.Errorf("outer: %w", ValidationError("place order", "bad"))
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestClassifyKeepsExistingKind(t *testing.T) {
	t.Parallel()

	orig := ValidationError("place order", "symbol is required")
	assert.Same(t, orig, Classify("other", orig))

	c := Classify("positions", fmt.Errorf("read: %w", ErrNotConnected))
	assert.Equal(t, KindConnection, c.Kind)
	assert.Equal(t, "positions: read: not connected", c.Error())
}

func TestResponseHelpers(t *testing.T) {
	t.Parallel()

	ok := OK([]Position{{Symbol: "AAPL"}})
	assert.True(t, ok.OK)
	assert.Nil(t, ok.Details)
	assert.Len(t, ok.Value(), 1)

	s := Session{Adapter: "ibkr", State: Disconnected, LastError: "refused"}
	fail := Fail[AccountSummary](ConnectionError("account info", errors.New("refused")), s)
	assert.False(t, fail.OK)
	assert.Nil(t, fail.Data)
	assert.Equal(t, "account info: refused", fail.Error)
	assert.Equal(t, KindConnection, fail.ErrorKind)
	require.NotNil(t, fail.Details)
	assert.Equal(t, "refused", fail.Details.LastError)
	assert.Equal(t, AccountSummary{}, fail.Value())
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()

	var s Session
	s.MarkConnecting()
	assert.Equal(t, Connecting, s.State)
	assert.False(t, s.Connected)

	s.MarkFailed(errors.New("timeout"))
	assert.Equal(t, Disconnected, s.State)
	assert.Equal(t, "timeout", s.LastError)

	s.MarkConnected()
	assert.True(t, s.Connected)
	assert.Empty(t, s.LastError)
}
