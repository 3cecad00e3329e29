package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, signal webhook and live feed",
	Long: `Serve starts the HTTP API on server.addr.

Routes:
  GET  /api/health            liveness and adapter name
  POST /api/test              echo a payload back
  GET  /api/broker/status     session snapshot
  POST /api/broker/connect    open the broker session
  GET  /api/broker/account    account summary
  GET  /api/broker/positions  open positions
  POST /api/broker/orders     place a market order
  POST /api/signals           normalize and dispatch a signal
  GET  /api/feed              websocket feed of signals, orders and sessions

Example:
  esentrader serve -c esentrader.yaml --connect`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveAddr    string
	serveConnect bool
	serveGrace   time.Duration
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "override server.addr (e.g. :8000)")
	serveCmd.Flags().BoolVar(&serveConnect, "connect", false, "connect to the broker before accepting requests")
	serveCmd.Flags().DurationVar(&serveGrace, "grace", 10*time.Second, "how long shutdown waits for in-flight requests")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	if serveAddr != "" {
		a.Config.Server.Addr = serveAddr
	}

	if serveConnect {
		s := a.Dispatcher.Connect(ctx)
		if !s.Connected {
			// not fatal; orders open the session on demand
			slog.Warn("serve: broker not connected", slog.String("error", s.LastError))
		}
	}

	srv := a.Server()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Hub.Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serveGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
