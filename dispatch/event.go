package dispatch

import (
	"time"

	"github.com/rustyeddy/esentrader/broker"
	"github.com/rustyeddy/esentrader/signal"
)

// Event types published to the Observer.
const (
	EventSignal  = "signal"
	EventOrder   = "order"
	EventSession = "session"
)

// Event is one dispatcher outcome, as shown on the operator feed.
type Event struct {
	Type     string                               `json:"type"`
	Time     time.Time                            `json:"time"`
	Adapter  string                               `json:"adapter"`
	Source   string                               `json:"source,omitempty"`
	SignalID string                               `json:"signal_id,omitempty"`
	Intent   *signal.OrderIntent                  `json:"intent,omitempty"`
	Order    *broker.Response[broker.OrderResult] `json:"order,omitempty"`
	Session  *broker.Session                      `json:"session,omitempty"`
}

// Observer receives events. Publish must not block.
type Observer interface {
	Publish(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Publish(e Event) { f(e) }

type nopObserver struct{}

func (nopObserver) Publish(Event) {}
