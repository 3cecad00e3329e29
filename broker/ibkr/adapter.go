// Package ibkr is the live broker adapter. It owns one gateway session and
// turns every gateway outcome into a broker.Response.
package ibkr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/rustyeddy/esentrader/broker"
)

const (
	Name = "ibkr"

	DefaultHost     = "127.0.0.1"
	DefaultPort     = 7497 // TWS paper trading
	DefaultClientID = 1

	DefaultConnectTimeout = 5 * time.Second
	DefaultSettleWait     = 1 * time.Second

	// NoSettleWait turns the post-order wait off; a zero SettleWait means
	// DefaultSettleWait.
	NoSettleWait time.Duration = -1
)

// Config identifies the gateway session. Zero values take the defaults.
type Config struct {
	Host          string
	Port          int
	ClientID      int
	MasterAccount string

	ConnectTimeout time.Duration
	// SettleWait is how long PlaceOrder waits for the gateway to assign an
	// order id and initial status. Any negative value, e.g. NoSettleWait,
	// disables it.
	SettleWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ClientID == 0 {
		c.ClientID = DefaultClientID
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SettleWait < 0 {
		c.SettleWait = 0
	} else if c.SettleWait == 0 {
		c.SettleWait = DefaultSettleWait
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Adapter drives a Gateway. It is safe for concurrent use; concurrent
// Connect calls share a single gateway connect.
type Adapter struct {
	gw     Gateway
	cfg    Config
	sleep  SleepFunc
	log    *slog.Logger
	flight singleflight.Group

	mu      sync.Mutex
	session broker.Session
	dialing chan struct{}
}

func New(gw Gateway, cfg Config) *Adapter {
	cfg = cfg.withDefaults()
	return &Adapter{
		gw:    gw,
		cfg:   cfg,
		sleep: sleepCtx,
		log:   slog.Default().With(slog.String("adapter", Name)),
		session: broker.Session{
			Adapter:       Name,
			State:         broker.Disconnected,
			Host:          cfg.Host,
			Port:          cfg.Port,
			ClientID:      cfg.ClientID,
			MasterAccount: cfg.MasterAccount,
		},
	}
}

// SetSleep replaces the post-order settle wait, e.g. with a no-op in tests.
func (a *Adapter) SetSleep(fn SleepFunc) {
	if fn == nil {
		fn = sleepCtx
	}
	a.sleep = fn
}

func (a *Adapter) Name() string { return Name }

// Connect returns immediately when the session is up. Otherwise it joins or
// starts the single in-flight connect; a caller whose ctx ends first gets
// the current, not yet connected, snapshot.
func (a *Adapter) Connect(ctx context.Context) broker.Session {
	if s := a.Status(ctx); s.Connected {
		return s
	}

	ch := a.flight.DoChan("connect", func() (any, error) {
		return a.connect(ctx), nil
	})
	select {
	case r := <-ch:
		return r.Val.(broker.Session)
	case <-ctx.Done():
		return a.Status(ctx)
	}
}

func (a *Adapter) connect(ctx context.Context) broker.Session {
	// a caller that lost the race to a finished flight
	if s := a.Status(ctx); s.Connected {
		return s
	}

	a.mu.Lock()
	a.session.MarkConnecting()
	a.mu.Unlock()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ConnectTimeout)
	defer cancel()

	err := a.dial(cctx)
	if err == nil {
		a.resolveMasterAccount(cctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.session.MarkFailed(err)
		a.log.Warn("connect failed",
			slog.String("host", a.cfg.Host),
			slog.Int("port", a.cfg.Port),
			slog.String("error", err.Error()))
		return a.session
	}
	a.session.MarkConnected()
	a.log.Info("connected",
		slog.String("host", a.cfg.Host),
		slog.Int("port", a.cfg.Port),
		slog.Int("client_id", a.cfg.ClientID),
		slog.String("account", a.session.MasterAccount))
	return a.session
}

// dial runs the gateway connect under ctx's deadline even if the gateway
// ignores ctx. An abandoned attempt that is still running blocks the next
// one, so two gateway connects never overlap.
func (a *Adapter) dial(ctx context.Context) error {
	a.mu.Lock()
	prev := a.dialing
	a.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return broker.ConnectionError("connect",
				fmt.Errorf("previous connect attempt still running: %w", ctx.Err()))
		}
		if a.gatewayConnected() {
			return nil
		}
	}

	done := make(chan struct{})
	errc := make(chan error, 1)

	a.mu.Lock()
	a.dialing = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		errc <- call("connect", func() error {
			return a.gw.Connect(ctx, a.cfg.Host, a.cfg.Port, a.cfg.ClientID)
		})
	}()

	select {
	case err := <-errc:
		a.mu.Lock()
		if a.dialing == done {
			a.dialing = nil
		}
		a.mu.Unlock()
		if err != nil {
			return broker.ConnectionError("connect", unwrapFault(err))
		}
		return nil
	case <-ctx.Done():
		return broker.ConnectionError("connect",
			fmt.Errorf("timed out after %s: %w", a.cfg.ConnectTimeout, ctx.Err()))
	}
}

func (a *Adapter) resolveMasterAccount(ctx context.Context) {
	a.mu.Lock()
	known := a.session.MasterAccount
	a.mu.Unlock()
	if known != "" {
		return
	}

	var accounts []string
	err := call("managed accounts", func() error {
		var err error
		accounts, err = a.gw.ManagedAccounts(ctx)
		return err
	})
	if err != nil {
		// orders then go to the gateway's default account
		a.log.Warn("managed accounts unavailable", slog.String("error", err.Error()))
		return
	}
	for _, acct := range accounts {
		if acct != "" {
			a.mu.Lock()
			a.session.MasterAccount = acct
			a.mu.Unlock()
			return
		}
	}
}

// ResetMasterAccount drops a resolved master account so the next connect
// resolves it again. A configured account is restored instead.
func (a *Adapter) ResetMasterAccount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session.MasterAccount = a.cfg.MasterAccount
}

// Status reports the session with Connected re-derived from the gateway.
func (a *Adapter) Status(ctx context.Context) broker.Session {
	s := a.snapshot()
	live := a.gatewayConnected()
	if s.State == broker.Connected && !live {
		s.State = broker.Disconnected
	}
	s.Connected = s.State == broker.Connected && live
	return s
}

func (a *Adapter) snapshot() broker.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Adapter) gatewayConnected() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return a.gw.IsConnected()
}

// ensure connects once if needed.
func (a *Adapter) ensure(ctx context.Context, op string) (broker.Session, error) {
	if s := a.Status(ctx); s.Connected {
		return s, nil
	}
	s := a.Connect(ctx)
	if s.Connected {
		return s, nil
	}
	if s.LastError != "" {
		return s, broker.ConnectionError(op, fmt.Errorf("%w: %s", broker.ErrNotConnected, s.LastError))
	}
	return s, broker.ConnectionError(op, broker.ErrNotConnected)
}

// fail classifies a gateway error. Connection losses are recorded on the
// session so Status and the next call see them.
func (a *Adapter) fail(ctx context.Context, op string, err error) (broker.Session, error) {
	e := broker.Classify(op, err)
	if e.Kind == broker.KindConnection {
		a.mu.Lock()
		a.session.MarkFailed(e)
		a.mu.Unlock()
	}
	a.log.Warn(op+" failed", slog.String("kind", string(e.Kind)), slog.String("error", e.Error()))
	return a.Status(ctx), e
}

func (a *Adapter) AccountInfo(ctx context.Context) broker.Response[broker.AccountSummary] {
	const op = "account info"

	s, err := a.ensure(ctx, op)
	if err != nil {
		return broker.Fail[broker.AccountSummary](err, s)
	}

	var vals []AccountValue
	err = call(op, func() error {
		var err error
		vals, err = a.gw.AccountSummary(ctx, s.MasterAccount)
		return err
	})
	if err != nil {
		s, err := a.fail(ctx, op, err)
		return broker.Fail[broker.AccountSummary](err, s)
	}
	return broker.OK(summarize(s.MasterAccount, vals))
}

func summarize(account string, vals []AccountValue) broker.AccountSummary {
	sum := broker.AccountSummary{
		Account: account,
		Raw:     make(map[string]string, len(vals)),
	}
	for _, v := range vals {
		sum.Raw[v.Tag] = v.Value
		if sum.Account == "" && v.Account != "" {
			sum.Account = v.Account
		}

		f, err := decimal.NewFromString(v.Value)
		if err != nil {
			continue
		}
		switch v.Tag {
		case "TotalCashValue":
			sum.Cash = f.InexactFloat64()
		case "NetLiquidation":
			sum.NetLiquidation = f.InexactFloat64()
			sum.Equity = sum.NetLiquidation
			if v.Currency != "" {
				sum.Currency = v.Currency
			}
		case "BuyingPower":
			sum.BuyingPower = f.InexactFloat64()
		}
		if sum.Currency == "" && v.Currency != "" && v.Currency != "BASE" {
			sum.Currency = v.Currency
		}
	}
	if sum.Currency == "" {
		sum.Currency = "USD"
	}
	return sum
}

func (a *Adapter) Positions(ctx context.Context) broker.Response[[]broker.Position] {
	const op = "positions"

	s, err := a.ensure(ctx, op)
	if err != nil {
		return broker.Fail[[]broker.Position](err, s)
	}

	var items []PortfolioItem
	err = call(op, func() error {
		var err error
		items, err = a.gw.Positions(ctx)
		return err
	})
	if err != nil {
		s, err := a.fail(ctx, op, err)
		return broker.Fail[[]broker.Position](err, s)
	}

	out := make([]broker.Position, 0, len(items))
	for _, it := range items {
		out = append(out, broker.Position{
			Account:       it.Account,
			Symbol:        it.Symbol,
			Quantity:      it.Position,
			AvgCost:       it.AvgCost,
			MarketPrice:   it.MarketPrice,
			UnrealizedPnL: it.UnrealizedPnL,
		})
	}
	return broker.OK(out)
}

func (a *Adapter) PlaceOrder(ctx context.Context, req broker.OrderRequest) broker.Response[broker.OrderResult] {
	const op = "place order"

	req = broker.NormalizeOrder(req)
	if err := broker.ValidateOrder(req); err != nil {
		return broker.Fail[broker.OrderResult](err, a.snapshot())
	}

	s, err := a.ensure(ctx, op)
	if err != nil {
		return broker.Fail[broker.OrderResult](err, s)
	}

	var trade Trade
	err = call(op, func() error {
		var err error
		trade, err = a.gw.PlaceOrder(ctx, Stock(req.Symbol), MarketOrder(string(req.Side), req.Quantity, s.MasterAccount))
		return err
	})
	if err != nil {
		s, err := a.fail(ctx, op, err)
		return broker.Fail[broker.OrderResult](err, s)
	}

	if !trade.settled() {
		if a.cfg.SettleWait > 0 {
			a.sleep(ctx, a.cfg.SettleWait)
		}
		if trade.OrderID != "" {
			a.refreshStatus(ctx, &trade)
		}
	}
	if trade.Status == "" {
		trade.Status = "Unknown"
	}

	a.log.Info("order submitted",
		slog.String("order_id", trade.OrderID),
		slog.String("status", trade.Status),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", req.Quantity))

	return broker.OK(broker.OrderResult{
		OrderID:  trade.OrderID,
		Status:   trade.Status,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Side:     req.Side,
		Account:  s.MasterAccount,
	})
}

// refreshStatus is best effort: the order is already accepted, so a failed
// status read keeps the acknowledgment status.
func (a *Adapter) refreshStatus(ctx context.Context, t *Trade) {
	var status string
	err := call("order status", func() error {
		var err error
		status, err = a.gw.OrderStatus(ctx, t.OrderID)
		return err
	})
	if err != nil {
		a.log.Debug("order status unavailable", slog.String("order_id", t.OrderID), slog.String("error", err.Error()))
		return
	}
	if status != "" {
		t.Status = status
	}
}

func (a *Adapter) Close() error {
	err := call("disconnect", a.gw.Disconnect)
	a.mu.Lock()
	a.session.State = broker.Disconnected
	a.session.Connected = false
	a.mu.Unlock()
	return err
}

// call runs a gateway function and turns a panic into a brokerage fault.
func call(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = broker.BrokerageFault(op, fmt.Errorf("gateway panic: %v", r))
		}
	}()
	return fn()
}

// unwrapFault strips the brokerage kind from a recovered connect panic so it
// is reported as a connection error with the original message.
func unwrapFault(err error) error {
	var be *broker.Error
	if errors.As(err, &be) {
		return be.Err
	}
	return err
}

var _ broker.Adapter = (*Adapter)(nil)
