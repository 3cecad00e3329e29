// Package app wires the configured adapter, journal, dispatcher and feed
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/broker/demo"
	"github.com/rustyeddy/esentrader/broker/ibkr"
	"github.com/rustyeddy/esentrader/config"
	"github.com/rustyeddy/esentrader/dispatch"
	"github.com/rustyeddy/esentrader/journal"
	"github.com/rustyeddy/esentrader/server"
	"github.com/rustyeddy/esentrader/signal"
)

// Broker kinds accepted in broker.kind.
const (
	KindDemo = "demo"
	KindIBKR = "ibkr"
)

// App holds the long-lived components built from a Config.
type App struct {
	Config     *config.Config
	Adapter    broker.Adapter
	Journal    journal.Journal
	Hub        *server.Hub
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// NewAdapter returns the adapter selected by broker.kind. Adapters never
// connect here.
func NewAdapter(cfg config.BrokerConfig) (broker.Adapter, error) {
	switch cfg.Kind {
	case "", KindDemo:
		return demo.New(), nil

	case KindIBKR:
		ic, err := ibkrConfig(cfg)
		if err != nil {
			return nil, err
		}
		gw := ibkr.NewClientPortal(ibkr.ClientPortalOptions{
			Scheme:   cfg.Scheme,
			Insecure: cfg.Insecure,
		})
		return ibkr.New(gw, ic), nil

	default:
		return nil, fmt.Errorf("unknown broker kind: %s", cfg.Kind)
	}
}

// ibkrConfig maps the broker section onto ibkr.Config. An explicit
// settle_wait of zero turns the wait off; leaving it unset keeps the default.
func ibkrConfig(cfg config.BrokerConfig) (ibkr.Config, error) {
	timeout, err := cfg.ConnectTimeoutDuration()
	if err != nil {
		return ibkr.Config{}, fmt.Errorf("broker.connect_timeout: %w", err)
	}
	settle, err := cfg.SettleWaitDuration()
	if err != nil {
		return ibkr.Config{}, fmt.Errorf("broker.settle_wait: %w", err)
	}
	if settle == 0 && strings.TrimSpace(cfg.SettleWait) != "" {
		settle = ibkr.NoSettleWait
	}

	return ibkr.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ClientID:       cfg.ClientID,
		MasterAccount:  cfg.MasterAccount,
		ConnectTimeout: timeout,
		SettleWait:     settle,
	}, nil
}

// JournalOptions maps the journal section onto journal.Options.
func JournalOptions(cfg config.JournalConfig) journal.Options {
	return journal.Options{
		Type:        cfg.Type,
		DBPath:      cfg.DBPath,
		SignalsFile: cfg.SignalsFile,
		OrdersFile:  cfg.OrdersFile,
		RedisAddr:   cfg.RedisAddr,
		RedisStream: cfg.RedisStream,
	}
}

// NewNormalizer returns the default alias set with the configured sizing
// priority.
func NewNormalizer(cfg config.SignalConfig) *signal.Normalizer {
	n := signal.Default()
	n.Priority = signal.ParsePriority(cfg.SizingPriority)
	return n
}

// New builds every component. The caller owns the result and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout, err := cfg.Dispatch.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("dispatch.timeout: %w", err)
	}

	adapter, err := NewAdapter(cfg.Broker)
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(ctx, JournalOptions(cfg.Journal))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open journal: %w", err), adapter.Close())
	}

	hub := server.NewHub(logger)
	d := dispatch.New(adapter, dispatch.Options{
		Timeout:    timeout,
		Journal:    j,
		Normalizer: NewNormalizer(cfg.Signal),
		Observer:   hub,
		Logger:     logger,
	})

	logger.Info("app: ready",
		slog.String("adapter", adapter.Name()),
		slog.String("journal", journalType(cfg.Journal.Type)),
		slog.Duration("dispatch_timeout", timeout),
	)

	return &App{
		Config:     cfg,
		Adapter:    adapter,
		Journal:    j,
		Hub:        hub,
		Dispatcher: d,
		Logger:     logger,
	}, nil
}

// Server returns the HTTP API over the app's dispatcher and feed.
func (a *App) Server() *server.Server {
	return server.New(server.Config{
		Addr:          a.Config.Server.Addr,
		WebhookSecret: a.Config.Server.WebhookSecret,
	}, a.Dispatcher, a.Hub, a.Logger)
}

// Close releases the adapter session and the journal.
func (a *App) Close() error {
	return a.Dispatcher.Close()
}

func journalType(t string) string {
	if t == "" {
		return journal.TypeNone
	}
	return t
}
