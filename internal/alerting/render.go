package alerting

import (
	"fmt"
	"strings"
	"time"

	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
)

// VerdictMessage renders a gate result. Blocked results always read NO-GO.
func VerdictMessage(r gate.Result) Message {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s %s@%s (%s)\n", r.Verdict(), r.Symbol, r.Venue, r.Action)
	if r.Premium != nil {
		fmt.Fprintf(&b, "Premium: %s%% (domestic %s KRW vs global %s KRW, fx %s via %s)\n",
			r.Premium.Pct.StringFixed(2), r.Premium.DomesticKRW.String(),
			r.Premium.GlobalKRW.StringFixed(2), r.Premium.FXRate.StringFixed(2), r.Premium.FXSource)
	}
	if r.Cost != nil && r.NetProfitPct != nil {
		fmt.Fprintf(&b, "Net: %s%% after %s%% cost (slippage %s%%, gas %s%%, hedge %s%%)\n",
			r.NetProfitPct.StringFixed(2), r.Cost.TotalPct.StringFixed(2),
			r.Cost.SlippagePct.StringFixed(2), r.Cost.GasPct.StringFixed(2), r.Cost.HedgePct.StringFixed(2))
	}
	if r.Proceed {
		fmt.Fprintf(&b, "Route: %s via %s (%.0f min), hedge %s\n", r.TopVenue, r.Network, r.TransferMinutes, r.HedgeType)
		fmt.Fprintf(&b, "Supply: %s, listing: %s\n", r.Supply.Class, r.ListingType)
		for _, c := range r.Scenarios {
			fmt.Fprintf(&b, "  [%s] %s %.0f%%: %s\n", c.Kind, c.Outcome, c.Probability*100, c.Headline)
		}
	}
	for _, bl := range r.Blockers {
		fmt.Fprintf(&b, "Blocker: %s\n", bl)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", w)
	}
	fmt.Fprintf(&b, "At: %s UTC", r.AnalyzedAt.UTC().Format(time.RFC3339))

	return Message{
		Severity: ParseSeverity(string(r.Severity)),
		Text:     b.String(),
		Key:      "verdict:" + r.Symbol + "@" + r.Venue,
	}
}

// ListingMessage announces a detected listing before analysis completes.
func ListingMessage(s ingest.ListingSignal) Message {
	text := fmt.Sprintf("Listing detected: %s on %s (%s, confidence %.0f%%)", s.Symbol, s.Venue, s.Origin, s.Confidence*100)
	if s.ScheduledAt != nil {
		text += "\nScheduled: " + s.ScheduledAt.UTC().Format(time.RFC3339) + " UTC"
	}
	if s.Title != "" {
		text += "\n" + s.Title
	}
	return Message{Severity: SeverityInfo, Text: text, Key: "listing:" + s.Key()}
}

// EventMessage renders a non-listing announcement.
func EventMessage(e ingest.EventSignal) Message {
	b := strings.Builder{}
	fmt.Fprintf(&b, "%s on %s: %s\n", strings.ToUpper(string(e.Category)), e.Venue, e.Title)
	if len(e.Symbols) > 0 {
		fmt.Fprintf(&b, "Symbols: %s\n", strings.Join(e.Symbols, ", "))
	}
	if e.Action != "" {
		fmt.Fprintf(&b, "Action: %s\n", e.Action)
	}
	if e.URL != "" {
		b.WriteString(e.URL)
	}
	key := "event:" + e.Venue + ":" + e.NoticeID
	if e.NoticeID == "" {
		key = "event:" + e.Venue + ":" + e.Title
	}
	return Message{
		Severity: ParseSeverity(e.Severity),
		Text:     strings.TrimRight(b.String(), "\n"),
		Key:      key,
	}
}
