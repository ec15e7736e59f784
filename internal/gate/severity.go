package gate

import "listing-gate/internal/fetcher"

// Blocker reasons with a dedicated severity.
const (
	BlockDomesticUnavailable = "domestic price unavailable"
	BlockGlobalUnavailable   = "global reference unavailable"
)

// Classify assigns a severity. Blocked verdicts are never actionable.
func Classify(r Result) Severity {
	if !r.Proceed {
		for _, b := range r.Blockers {
			switch b {
			case BlockDomesticUnavailable:
				return SeverityLow
			case BlockGlobalUnavailable:
				return SeverityMedium
			}
		}
		return SeverityHigh
	}
	if r.FXSource == fetcher.FXHardcoded {
		return SeverityHigh
	}
	trusted := fetcher.FXRate{Source: r.FXSource}.Trusted()
	if r.Action.Actionable() && trusted {
		return SeverityCritical
	}
	return SeverityHigh
}
