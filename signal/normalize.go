package signal

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/rustyeddy/esentrader/pkg/id"
)

// SizingPriority decides which sizing wins when a payload carries both a
// quantity and a USD amount.
type SizingPriority string

const (
	QuantityFirst SizingPriority = "quantity"
	NotionalFirst SizingPriority = "notional"
)

// ParsePriority maps a config value to a SizingPriority. Unknown values
// fall back to QuantityFirst.
func ParsePriority(s string) SizingPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notional", "notional_usd", "usd":
		return NotionalFirst
	default:
		return QuantityFirst
	}
}

// Normalizer maps loosely-shaped payloads onto OrderIntent. Alias lists are
// tried in order; each name is also tried in Title and UPPER case.
type Normalizer struct {
	SymbolKeys   []string
	SideKeys     []string
	QuantityKeys []string
	NotionalKeys []string
	NoteKeys     []string
	Priority     SizingPriority

	// Now stamps ReceivedAt; nil means time.Now.
	Now func() time.Time
}

// Default returns the normalizer used by the package-level functions.
func Default() *Normalizer {
	return &Normalizer{
		SymbolKeys:   []string{"symbol", "ticker"},
		SideKeys:     []string{"side", "action", "direction"},
		QuantityKeys: []string{"qty", "quantity"},
		NotionalKeys: []string{"usd", "amount_usd"},
		NoteKeys:     []string{"note", "comment", "message"},
		Priority:     QuantityFirst,
	}
}

// Normalize converts raw with the default normalizer.
func Normalize(raw map[string]any) OrderIntent {
	return Default().Normalize(raw)
}

// NormalizeJSON parses body with the default normalizer.
func NormalizeJSON(body []byte) (OrderIntent, map[string]any) {
	return Default().NormalizeJSON(body)
}

// NormalizeJSON parses an untrusted body and normalizes it. Bodies that are
// not a JSON object produce an empty raw map and an empty intent.
func (n *Normalizer) NormalizeJSON(body []byte) (OrderIntent, map[string]any) {
	raw := map[string]any{}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		if parsed.IsObject() {
			if m, ok := parsed.Value().(map[string]any); ok {
				raw = m
			}
		}
	}
	return n.Normalize(raw), raw
}

// Normalize never fails: missing or ill-typed fields leave the matching
// intent field empty.
func (n *Normalizer) Normalize(raw map[string]any) OrderIntent {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	at := now().UTC()

	in := OrderIntent{
		ID:         id.At(at),
		Side:       Unknown,
		ReceivedAt: at,
	}

	if s, ok := n.firstString(raw, n.SymbolKeys); ok {
		in.Symbol = strings.ToUpper(s)
	}
	if s, ok := n.firstString(raw, n.SideKeys); ok {
		in.Side = parseSide(s)
	}
	if s, ok := n.firstString(raw, n.NoteKeys); ok {
		in.Note = s
	}

	qty, hasQty := n.firstNumber(raw, n.QuantityKeys)
	usd, hasUSD := n.firstNumber(raw, n.NotionalKeys)

	useQty := hasQty && (n.Priority != NotionalFirst || !hasUSD)
	switch {
	case useQty:
		in.Sizing = Quantity
		in.Quantity = &qty
	case hasUSD:
		in.Sizing = NotionalUSD
		in.NotionalUSD = &usd
	}
	return in
}

func parseSide(s string) Side {
	switch strings.ToLower(s) {
	case "buy":
		return Buy
	case "sell":
		return Sell
	default:
		return Unknown
	}
}

func (n *Normalizer) firstString(raw map[string]any, keys []string) (string, bool) {
	for _, k := range variants(keys) {
		v, ok := raw[k]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s, true
		}
	}
	return "", false
}

func (n *Normalizer) firstNumber(raw map[string]any, keys []string) (float64, bool) {
	for _, k := range variants(keys) {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if f, ok := toFloat(v); ok {
			return f, true
		}
	}
	return 0, false
}

// variants expands each key into key, Title, UPPER while keeping priority
// order and dropping duplicates.
func variants(keys []string) []string {
	out := make([]string, 0, len(keys)*3)
	seen := make(map[string]struct{}, len(keys)*3)
	for _, k := range keys {
		for _, v := range []string{k, title(k), strings.ToUpper(k)} {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return 0, false
		}
		f = d.InexactFloat64()
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
