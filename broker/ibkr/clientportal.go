package ibkr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rustyeddy/esentrader/broker"
)

const (
	// BasePath is the Client Portal Web API prefix on the gateway.
	BasePath = "/v1/api"

	// DefaultKeepAlive is how often a connected portal is tickled. The
	// gateway drops idle sessions after about five minutes.
	DefaultKeepAlive = time.Minute

	maxReplies = 5

	positionsPageSize = 100
	maxPositionPages  = 100
)

// ClientPortalOptions configures the HTTP side of the gateway.
type ClientPortalOptions struct {
	Scheme string // default https
	// Insecure accepts the gateway's self-signed certificate.
	Insecure bool
	// KeepAlive is the /tickle interval while connected. Zero means
	// DefaultKeepAlive, negative turns the keepalive off.
	KeepAlive time.Duration
	HTTP      *http.Client
}

// ClientPortal is a Gateway backed by the IBKR Client Portal Web API. The
// REST gateway has no client-id concept; clientID is only kept by the
// adapter as session identity.
type ClientPortal struct {
	scheme    string
	http      *http.Client
	keepAlive time.Duration

	mu         sync.RWMutex
	baseURL    string
	connected  bool
	accounts   []string
	conids     map[string]int64
	stopTickle context.CancelFunc
}

func NewClientPortal(opts ClientPortalOptions) *ClientPortal {
	scheme := strings.ToLower(strings.TrimSpace(opts.Scheme))
	if scheme == "" {
		scheme = "https"
	}

	hc := opts.HTTP
	if hc == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local gateway cert
		}
		hc = &http.Client{Timeout: 30 * time.Second, Transport: tr}
	}

	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = DefaultKeepAlive
	}

	return &ClientPortal{
		scheme:    scheme,
		http:      hc,
		keepAlive: keepAlive,
		conids:    make(map[string]int64),
	}
}

type authStatus struct {
	Authenticated bool   `json:"authenticated"`
	Connected     bool   `json:"connected"`
	Competing     bool   `json:"competing"`
	Message       string `json:"message"`
}

func (c *ClientPortal) Connect(ctx context.Context, host string, port, clientID int) error {
	base := url.URL{
		Scheme: c.scheme,
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   BasePath,
	}

	c.stopKeepAlive()

	c.mu.Lock()
	c.baseURL = base.String()
	c.connected = false
	c.mu.Unlock()

	var st authStatus
	if err := c.do(ctx, http.MethodGet, "/iserver/auth/status", nil, &st); err != nil {
		return err
	}
	if !st.Authenticated || !st.Connected {
		msg := st.Message
		if msg == "" {
			msg = "gateway session is not authenticated"
		}
		return fmt.Errorf("client portal: %s", msg)
	}
	if st.Competing {
		return errors.New("client portal: competing session open for this user")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.startKeepAlive()
	return nil
}

// IsConnected reports the session as last seen by Connect, a request or
// the keepalive.
func (c *ClientPortal) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *ClientPortal) Disconnect() error {
	c.stopKeepAlive()
	if !c.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.do(ctx, http.MethodPost, "/logout", nil, nil)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return err
}

// Tickle keeps the gateway session alive and refreshes the connected flag
// from the portal's own auth status.
func (c *ClientPortal) Tickle(ctx context.Context) error {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/tickle", nil, &raw); err != nil {
		return err
	}
	auth := gjson.GetBytes(raw, "iserver.authStatus")
	if !auth.Get("authenticated").Bool() || !auth.Get("connected").Bool() {
		c.markDisconnected()
		return fmt.Errorf("client portal: %w: session no longer authenticated", broker.ErrNotConnected)
	}
	return nil
}

func (c *ClientPortal) startKeepAlive() {
	if c.keepAlive <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.stopTickle != nil {
		c.stopTickle()
	}
	c.stopTickle = cancel
	c.mu.Unlock()

	go c.keepAliveLoop(ctx)
}

func (c *ClientPortal) stopKeepAlive() {
	c.mu.Lock()
	stop := c.stopTickle
	c.stopTickle = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// keepAliveLoop tickles until stopped or until the session is gone; a new
// Connect starts a fresh loop.
func (c *ClientPortal) keepAliveLoop(ctx context.Context) {
	t := time.NewTicker(c.keepAlive)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		tctx, cancel := context.WithTimeout(ctx, c.keepAlive)
		err := c.Tickle(tctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("client portal keepalive failed", slog.String("error", err.Error()))
		}
		if !c.IsConnected() {
			return
		}
	}
}

func (c *ClientPortal) ManagedAccounts(ctx context.Context) ([]string, error) {
	var resp struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/iserver/accounts", nil, &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.accounts = append([]string(nil), resp.Accounts...)
	c.mu.Unlock()
	return resp.Accounts, nil
}

func (c *ClientPortal) managedAccounts(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	accts := c.accounts
	c.mu.RUnlock()
	if len(accts) > 0 {
		return accts, nil
	}
	return c.ManagedAccounts(ctx)
}

func (c *ClientPortal) defaultAccount(ctx context.Context, account string) (string, error) {
	if account != "" {
		return account, nil
	}
	accts, err := c.managedAccounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accts) == 0 {
		return "", errors.New("client portal: no managed accounts")
	}
	return accts[0], nil
}

type summaryValue struct {
	Amount   *float64 `json:"amount"`
	Currency string   `json:"currency"`
	Value    string   `json:"value"`
}

// summaryTags maps the portal's lowercase summary keys to the tag names the
// adapter understands.
var summaryTags = map[string]string{
	"netliquidation":      "NetLiquidation",
	"totalcashvalue":      "TotalCashValue",
	"buyingpower":         "BuyingPower",
	"equitywithloanvalue": "EquityWithLoanValue",
	"availablefunds":      "AvailableFunds",
	"grosspositionvalue":  "GrossPositionValue",
}

func (c *ClientPortal) AccountSummary(ctx context.Context, account string) ([]AccountValue, error) {
	account, err := c.defaultAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	var raw map[string]summaryValue
	if err := c.do(ctx, http.MethodGet, "/portfolio/"+url.PathEscape(account)+"/summary", nil, &raw); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]AccountValue, 0, len(keys))
	for _, k := range keys {
		v := raw[k]
		tag, ok := summaryTags[k]
		if !ok {
			tag = k
		}
		val := v.Value
		if v.Amount != nil {
			val = strconv.FormatFloat(*v.Amount, 'f', -1, 64)
		}
		out = append(out, AccountValue{Account: account, Tag: tag, Value: val, Currency: v.Currency})
	}
	return out, nil
}

type portalPosition struct {
	AcctID        string   `json:"acctId"`
	Ticker        string   `json:"ticker"`
	ContractDesc  string   `json:"contractDesc"`
	Position      float64  `json:"position"`
	AvgCost       float64  `json:"avgCost"`
	MktPrice      *float64 `json:"mktPrice"`
	UnrealizedPnl *float64 `json:"unrealizedPnl"`
}

// Positions walks every managed account in the order the portal lists them.
func (c *ClientPortal) Positions(ctx context.Context) ([]PortfolioItem, error) {
	accts, err := c.managedAccounts(ctx)
	if err != nil {
		return nil, err
	}

	var out []PortfolioItem
	for _, acct := range accts {
		rows, err := c.accountPositions(ctx, acct)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			sym := r.Ticker
			if sym == "" {
				sym = r.ContractDesc
			}
			account := r.AcctID
			if account == "" {
				account = acct
			}
			out = append(out, PortfolioItem{
				Account:       account,
				Symbol:        sym,
				Position:      r.Position,
				AvgCost:       r.AvgCost,
				MarketPrice:   r.MktPrice,
				UnrealizedPnL: r.UnrealizedPnl,
			})
		}
	}
	return out, nil
}

// accountPositions reads every page of acct's positions. The portal pages at
// positionsPageSize rows; a short page is the last one.
func (c *ClientPortal) accountPositions(ctx context.Context, acct string) ([]portalPosition, error) {
	var all []portalPosition
	for page := 0; page < maxPositionPages; page++ {
		var rows []portalPosition
		path := "/portfolio/" + url.PathEscape(acct) + "/positions/" + strconv.Itoa(page)
		if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if len(rows) < positionsPageSize {
			return all, nil
		}
	}
	return nil, fmt.Errorf("client portal: %s has more than %d pages of positions", acct, maxPositionPages)
}

// flexInt accepts ids the portal sends either as numbers or strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("client portal: bad id %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

func (c *ClientPortal) conid(ctx context.Context, k Contract) (int64, error) {
	key := k.SecType + ":" + k.Symbol
	c.mu.RLock()
	id, ok := c.conids[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("symbol", k.Symbol)
	q.Set("secType", k.SecType)

	var rows []struct {
		Conid flexInt `json:"conid"`
	}
	if err := c.do(ctx, http.MethodGet, "/iserver/secdef/search?"+q.Encode(), nil, &rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 || rows[0].Conid == 0 {
		return 0, fmt.Errorf("client portal: no contract for %s %s", k.SecType, k.Symbol)
	}

	id = int64(rows[0].Conid)
	c.mu.Lock()
	c.conids[key] = id
	c.mu.Unlock()
	return id, nil
}

type portalOrder struct {
	Conid           int64   `json:"conid"`
	SecType         string  `json:"secType"`
	OrderType       string  `json:"orderType"`
	ListingExchange string  `json:"listingExchange,omitempty"`
	Side            string  `json:"side"`
	Quantity        float64 `json:"quantity"`
	Tif             string  `json:"tif"`
}

type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Message     []string `json:"message"`
}

func (c *ClientPortal) PlaceOrder(ctx context.Context, k Contract, o Order) (Trade, error) {
	account, err := c.defaultAccount(ctx, o.Account)
	if err != nil {
		return Trade{}, err
	}
	conid, err := c.conid(ctx, k)
	if err != nil {
		return Trade{}, err
	}

	body := map[string][]portalOrder{
		"orders": {{
			Conid:           conid,
			SecType:         fmt.Sprintf("%d:%s", conid, k.SecType),
			OrderType:       o.OrderType,
			ListingExchange: k.Exchange,
			Side:            o.Action,
			Quantity:        o.Quantity,
			Tif:             "DAY",
		}},
	}

	var replies []orderReply
	if err := c.do(ctx, http.MethodPost, "/iserver/account/"+url.PathEscape(account)+"/orders", body, &replies); err != nil {
		return Trade{}, submitErr(ctx, err)
	}

	// The portal asks for confirmation of precautionary warnings before it
	// accepts an order.
	for i := 0; i < maxReplies; i++ {
		if len(replies) == 0 {
			return Trade{}, errors.New("client portal: empty order response")
		}
		r := replies[0]
		if r.OrderID != "" {
			return Trade{OrderID: r.OrderID, Status: r.OrderStatus}, nil
		}
		if r.ID == "" {
			return Trade{}, errors.New("client portal: order response has no id")
		}
		replies = nil
		if err := c.do(ctx, http.MethodPost, "/iserver/reply/"+url.PathEscape(r.ID), map[string]bool{"confirmed": true}, &replies); err != nil {
			return Trade{}, submitErr(ctx, err)
		}
	}
	return Trade{}, fmt.Errorf("client portal: order not accepted after %d confirmations", maxReplies)
}

// submitErr reports a submission the caller stopped waiting for as a
// brokerage fault: the portal may already hold the order, so it must not
// read as a retryable connection error.
func submitErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	return broker.BrokerageFault("place order", fmt.Errorf("submission outcome unknown: %w", ctx.Err()))
}

func (c *ClientPortal) OrderStatus(ctx context.Context, orderID string) (string, error) {
	var resp struct {
		OrderStatus string `json:"order_status"`
	}
	if err := c.do(ctx, http.MethodGet, "/iserver/account/order/status/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return "", err
	}
	return resp.OrderStatus, nil
}

// do sends one request. Transport failures and 401s wrap
// broker.ErrNotConnected and mark the gateway disconnected, unless ctx ended
// first. Other non-2xx answers return the portal's error message verbatim.
func (c *ClientPortal) do(ctx context.Context, method, path string, in, out any) error {
	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()
	if base == "" {
		return fmt.Errorf("client portal: %w", broker.ErrNotConnected)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			c.markDisconnected()
		}
		return fmt.Errorf("client portal %s %s: %w: %v", method, path, broker.ErrNotConnected, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return fmt.Errorf("client portal %s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.markDisconnected()
		return fmt.Errorf("client portal %s %s: %w: http 401", method, path, broker.ErrNotConnected)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(b, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(b))
		}
		return fmt.Errorf("client portal http %d: %s", resp.StatusCode, msg)
	}

	if out == nil || len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("client portal %s %s: decode: %w", method, path, err)
	}
	return nil
}

func (c *ClientPortal) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

var _ Gateway = (*ClientPortal)(nil)
