package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/esentrader/internal/app"
)

var signalCmd = &cobra.Command{
	Use:   "signal [file|-]",
	Short: "Normalize and dispatch a signal payload",
	Long: `Read a signal payload from a file or stdin, normalize it into an order
intent and dispatch it like the webhook does.

With --dry-run the intent is printed and checked but nothing is sent or
journaled.

Examples:
  esentrader signal alert.json
  echo '{"ticker":"AAPL","action":"buy","qty":5}' | esentrader signal -
  esentrader signal --dry-run alert.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSignal,
}

var (
	signalDryRun bool
	signalSource string
)

func init() {
	rootCmd.AddCommand(signalCmd)

	signalCmd.Flags().BoolVarP(&signalDryRun, "dry-run", "n", false, "normalize and validate only")
	signalCmd.Flags().StringVar(&signalSource, "source", "cli", "source recorded with the signal")
	signalCmd.Flags().BoolVar(&brokerConnect, "connect", true, "connect before dispatching")
}

func readPayload(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func runSignal(cmd *cobra.Command, args []string) error {
	body, err := readPayload(args)
	if err != nil {
		return fmt.Errorf("read signal: %w", err)
	}

	if signalDryRun {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		in, _ := app.NewNormalizer(cfg.Signal).NormalizeJSON(body)
		if err := printJSON(in); err != nil {
			return err
		}
		if err := in.Validate(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ Signal valid: %s %s\n", in.Side, in.Symbol)
		return nil
	}

	return withApp(cmd, brokerConnect, func(a *app.App) error {
		res := a.Dispatcher.SubmitJSON(cmd.Context(), signalSource, body)
		if err := printJSON(res); err != nil {
			return err
		}
		if err := envelopeErr(res.Response); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ Signal %s dispatched: order %s\n", res.Intent.ID, res.Response.Value().OrderID)
		return nil
	})
}
