package gate

import "listing-gate/internal/fetcher"

// ChooseAction maps supply class and listing type to a trading posture.
func ChooseAction(supply SupplyClass, listing ListingType, fxSource string) Action {
	if listing == ListingUnknown || fxSource == fetcher.FXHardcoded {
		return ActionWatchOnly
	}
	switch supply {
	case SupplyConstrained:
		switch listing {
		case ListingTGE:
			return ActionAggressive
		case ListingDirect:
			return ActionModerate
		default:
			return ActionConservative
		}
	case SupplySmooth:
		if listing == ListingSide {
			return ActionWatchOnly
		}
		return ActionConservative
	default:
		return ActionConservative
	}
}
