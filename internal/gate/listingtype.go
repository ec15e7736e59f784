package gate

import "time"

// ListingFacts are the observations the listing-type rule needs.
type ListingFacts struct {
	ListedOnOtherDomestic bool
	TopGlobalVenue        string
	FirstListedAt         *time.Time
}

// ClassifyListing applies SIDE > TGE > DIRECT > UNKNOWN.
func ClassifyListing(f ListingFacts, now time.Time, tgeWindow time.Duration) ListingType {
	if f.ListedOnOtherDomestic {
		return ListingSide
	}
	if f.TopGlobalVenue == "" {
		if f.FirstListedAt == nil || now.Sub(*f.FirstListedAt) <= tgeWindow {
			return ListingTGE
		}
		return ListingUnknown
	}
	return ListingDirect
}
