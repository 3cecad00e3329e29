package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/dispatch"
)

// maxBody caps request bodies.
const maxBody = 64 * 1024

type handlers struct {
	d      *dispatch.Dispatcher
	secret string
	logger *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an envelope to an HTTP status. The envelope is the
// answer either way; the code only helps generic HTTP clients.
func statusFor(ok bool, kind broker.ErrorKind) int {
	if ok {
		return http.StatusOK
	}
	switch kind {
	case broker.KindValidation:
		return http.StatusBadRequest
	case broker.KindConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// detached keeps a broker call alive when the HTTP client goes away, so an
// order in flight is not abandoned halfway.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": ServiceName,
		"adapter": h.d.Name(),
	})
}

func (h *handlers) echo(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	var echo any
	switch {
	case len(body) == 0:
	case gjson.ValidBytes(body):
		echo = json.RawMessage(body)
	default:
		echo = string(body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "echo": echo})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Status(r.Context()))
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Connect(detached(r)))
}

func (h *handlers) account(w http.ResponseWriter, r *http.Request) {
	res := h.d.AccountInfo(r.Context())
	writeJSON(w, statusFor(res.OK, res.ErrorKind), res)
}

func (h *handlers) positions(w http.ResponseWriter, r *http.Request) {
	res := h.d.Positions(r.Context())
	writeJSON(w, statusFor(res.OK, res.ErrorKind), res)
}

func (h *handlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req broker.OrderRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(&req); err != nil {
		res := broker.Fail[broker.OrderResult](
			broker.ValidationError("place order", "body must be {symbol, quantity, side}: %v", err),
			h.d.Status(r.Context()))
		writeJSON(w, http.StatusBadRequest, res)
		return
	}

	res := h.d.PlaceOrder(detached(r), req)
	writeJSON(w, statusFor(res.OK, res.ErrorKind), res)
}

func (h *handlers) signal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}

	if !h.authorized(r, body) {
		h.logger.Warn("signal rejected: bad webhook secret", slog.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	out := h.d.SubmitJSON(detached(r), "webhook", body)
	writeJSON(w, statusFor(out.Response.OK, out.Response.ErrorKind), out)
}

func (h *handlers) authorized(r *http.Request, body []byte) bool {
	if h.secret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	if got == "" {
		got = gjson.GetBytes(body, "passphrase").String()
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
}
