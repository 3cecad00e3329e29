package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the broker session",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the configured broker and show the session",
	Args:  cobra.NoArgs,
	RunE:  runConnect,
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Show the account summary",
	Args:  cobra.NoArgs,
	RunE:  runAccount,
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List open positions",
	Args:  cobra.NoArgs,
	RunE:  runPositions,
}

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Place a market order",
	Long: `Place a market order through the configured adapter. The outcome is
journaled like any other order.

Example:
  esentrader order --symbol AAPL --qty 10 --side buy`,
	Args: cobra.NoArgs,
	RunE: runOrder,
}

var (
	brokerConnect bool

	orderSymbol string
	orderQty    float64
	orderSide   string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(orderCmd)

	for _, c := range []*cobra.Command{accountCmd, positionsCmd, orderCmd} {
		c.Flags().BoolVar(&brokerConnect, "connect", true, "connect before the call")
	}

	orderCmd.Flags().StringVarP(&orderSymbol, "symbol", "s", "", "ticker symbol (required)")
	orderCmd.Flags().Float64VarP(&orderQty, "qty", "q", 0, "share quantity (required)")
	orderCmd.Flags().StringVar(&orderSide, "side", "BUY", "BUY or SELL")
	orderCmd.MarkFlagRequired("symbol")
	orderCmd.MarkFlagRequired("qty")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// envelopeErr turns a failed envelope into the command's exit error.
func envelopeErr[T any](res broker.Response[T]) error {
	if res.OK {
		return nil
	}
	return fmt.Errorf("%s error: %s", res.ErrorKind, res.Error)
}

// withApp builds the app for one command. A failed connect is not fatal
// here; the call that follows reports it in its envelope.
func withApp(cmd *cobra.Command, connect bool, fn func(a *app.App) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	if connect {
		a.Dispatcher.Connect(cmd.Context())
	}
	return fn(a)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(a *app.App) error {
		return printJSON(a.Dispatcher.Status(cmd.Context()))
	})
}

func runConnect(cmd *cobra.Command, args []string) error {
	return withApp(cmd, false, func(a *app.App) error {
		s := a.Dispatcher.Connect(cmd.Context())
		if err := printJSON(s); err != nil {
			return err
		}
		if !s.Connected {
			return errors.New("connect failed: " + s.LastError)
		}
		fmt.Fprintf(os.Stderr, "✓ Connected to %s (account %s)\n", s.Adapter, s.MasterAccount)
		return nil
	})
}

func runAccount(cmd *cobra.Command, args []string) error {
	return withApp(cmd, brokerConnect, func(a *app.App) error {
		res := a.Dispatcher.AccountInfo(cmd.Context())
		if err := printJSON(res); err != nil {
			return err
		}
		return envelopeErr(res)
	})
}

func runPositions(cmd *cobra.Command, args []string) error {
	return withApp(cmd, brokerConnect, func(a *app.App) error {
		res := a.Dispatcher.Positions(cmd.Context())
		if err := printJSON(res); err != nil {
			return err
		}
		return envelopeErr(res)
	})
}

func runOrder(cmd *cobra.Command, args []string) error {
	return withApp(cmd, brokerConnect, func(a *app.App) error {
		req := broker.OrderRequest{
			Symbol:   orderSymbol,
			Quantity: orderQty,
			Side:     broker.Side(orderSide),
		}
		res := a.Dispatcher.PlaceOrder(cmd.Context(), req)
		if err := printJSON(res); err != nil {
			return err
		}
		if err := envelopeErr(res); err != nil {
			return err
		}
		o := res.Value()
		fmt.Fprintf(os.Stderr, "✓ Order %s: %s\n", o.OrderID, o.Status)
		return nil
	})
}
