package journal

import (
	"fmt"
	"strings"
	"time"
)

// FormatSignalOrg renders a signal and its dispatch outcomes as an Org-mode
// block. Structured facts go in the PROPERTIES drawer so they stay searchable.
func FormatSignalOrg(s SignalRecord, orders []OrderRecord) string {
	heading := fmt.Sprintf("** Signal: %s %s (%s)", orDash(s.Side), orDash(s.Symbol), shortID(s.ID))

	var b strings.Builder
	b.WriteString(heading)
	b.WriteString("\n")
	b.WriteString(":PROPERTIES:\n")
	fmt.Fprintf(&b, ":ID: %s\n", s.ID)
	fmt.Fprintf(&b, ":RECEIVED_AT: %s\n", s.ReceivedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, ":SOURCE: %s\n", s.Source)
	fmt.Fprintf(&b, ":SYMBOL: %s\n", s.Symbol)
	fmt.Fprintf(&b, ":SIDE: %s\n", s.Side)
	fmt.Fprintf(&b, ":SIZING: %s\n", s.Sizing)
	fmt.Fprintf(&b, ":QUANTITY: %s\n", optionalFloat(s.Quantity))
	fmt.Fprintf(&b, ":NOTIONAL_USD: %s\n", optionalFloat(s.NotionalUSD))
	if s.Note != "" {
		fmt.Fprintf(&b, ":NOTE: %s\n", s.Note)
	}
	b.WriteString(":END:\n")

	if len(orders) > 0 {
		b.WriteString("\n*** Dispatch\n")
		for _, o := range orders {
			b.WriteString(formatOrderLine(o))
			b.WriteString("\n")
		}
	}

	if s.Raw != "" {
		b.WriteString("\n*** Raw\n#+begin_src json\n")
		b.WriteString(s.Raw)
		b.WriteString("\n#+end_src\n")
	}

	return b.String()
}

// FormatSignalsOrg renders multiple signals separated by blank lines.
func FormatSignalsOrg(signals []SignalRecord) string {
	var b strings.Builder
	for i, s := range signals {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(FormatSignalOrg(s, nil))
	}
	return b.String()
}

func formatOrderLine(o OrderRecord) string {
	at := o.Time.UTC().Format(time.RFC3339)
	if o.OK {
		return fmt.Sprintf("- %s [%s] OK %s %s %s order=%s status=%s",
			at, o.Adapter, o.Side, f(o.Quantity), o.Symbol, o.OrderID, o.Status)
	}
	return fmt.Sprintf("- %s [%s] FAILED (%s) %s", at, o.Adapter, o.ErrorKind, o.Error)
}

// shortID keeps the random tail of a ULID; the leading characters encode
// time and repeat across signals from the same moment.
func shortID(full string) string {
	if len(full) <= 8 {
		return full
	}
	return full[len(full)-8:]
}

func optionalFloat(v *float64) string {
	return orDash(optional(v))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
