package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"listing-gate/internal/storage"
)

// Show prints recent gate verdicts, or recent listing signals.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show results")
	}
	defer closeStore()

	if opts.Listings {
		listings, err := store.ListRecentListings(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return printListings(os.Stdout, listings)
	}

	results, err := store.ListRecentGateResults(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return printGateResults(os.Stdout, results)
}

func printGateResults(out io.Writer, results []storage.GateRecord) error {
	if len(results) == 0 {
		fmt.Fprintln(out, "no gate results found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tVenue\tVerdict\tSeverity\tPremium%\tNet%\tFX\tBlockers")
	for _, r := range results {
		verdict := "NO-GO"
		if r.Proceed {
			verdict = "GO"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AnalyzedAt.UTC().Format(time.RFC3339),
			r.Symbol,
			r.Venue,
			verdict,
			r.Severity,
			formatDecimal(r.PremiumPct, 2),
			formatDecimal(r.NetProfitPct, 2),
			r.FXSource,
			sanitizeInline(strings.Join(r.Blockers, ", ")),
		)
	}
	return writer.Flush()
}

func printListings(out io.Writer, listings []storage.ListingRecord) error {
	if len(listings) == 0 {
		fmt.Fprintln(out, "no listings found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Detected (UTC)\tSymbol\tVenue\tOrigin\tConfidence\tDuplicate\tTitle")
	for _, l := range listings {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			l.DetectedAt.UTC().Format(time.RFC3339),
			l.Symbol,
			l.Venue,
			l.Origin,
			strconv.FormatFloat(l.Confidence, 'f', 2, 64),
			l.Duplicate,
			sanitizeInline(l.Title),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
