package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"listing-gate/internal/resilience"
)

// SupplySnapshot is what can be observed about a token's transferable supply.
// Nil fields were not observable.
type SupplySnapshot struct {
	DEXLiquidityUSD *float64
	DEXPairs        int
	WithdrawalOpen  *bool
	DepositOpen     *bool
	Networks        []string
}

// SupplyFetcher reports supply-side inputs for a symbol.
type SupplyFetcher interface {
	Supply(ctx context.Context, symbol string) (SupplySnapshot, error)
}

// gate.io chain codes to network keys.
var gateChains = map[string]string{
	"ETH":     "ethereum",
	"SOL":     "solana",
	"TRX":     "tron",
	"BSC":     "bsc",
	"MATIC":   "polygon",
	"ARBEVM":  "arbitrum",
	"BASEEVM": "base",
	"AVAX_C":  "avalanche",
}

var dexChains = map[string]string{
	"ethereum":  "ethereum",
	"solana":    "solana",
	"tron":      "tron",
	"bsc":       "bsc",
	"polygon":   "polygon",
	"arbitrum":  "arbitrum",
	"base":      "base",
	"avalanche": "avalanche",
}

// SupplyOptions configure the supply fetcher endpoints.
type SupplyOptions struct {
	DexScreenerURL string
	GateURL        string
}

// OnChainSupply queries DexScreener for pool liquidity and gate.io for
// deposit/withdrawal status and supported chains.
type OnChainSupply struct {
	opts   SupplyOptions
	client *resilience.Client
	logger zerolog.Logger
}

var _ SupplyFetcher = (*OnChainSupply)(nil)

// NewOnChainSupply builds the fetcher.
func NewOnChainSupply(opts SupplyOptions, client *resilience.Client, logger zerolog.Logger) *OnChainSupply {
	opts.DexScreenerURL = defaultURL(opts.DexScreenerURL, "https://api.dexscreener.com")
	opts.GateURL = defaultURL(opts.GateURL, "https://api.gateio.ws")
	return &OnChainSupply{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "supply_fetcher").Logger(),
	}
}

// Supply gathers both sources concurrently. It fails only when neither answers.
func (s *OnChainSupply) Supply(ctx context.Context, symbol string) (SupplySnapshot, error) {
	symbol = strings.ToUpper(symbol)

	var (
		mu       sync.Mutex
		snap     SupplySnapshot
		networks = make(map[string]struct{})
		failures int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		liq, pairs, chains, err := s.dexLiquidity(gctx, symbol)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("dex liquidity unavailable")
			return nil
		}
		snap.DEXLiquidityUSD = &liq
		snap.DEXPairs = pairs
		for _, c := range chains {
			networks[c] = struct{}{}
		}
		return nil
	})
	g.Go(func() error {
		dep, wd, chains, err := s.currencyStatus(gctx, symbol)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failures++
			s.logger.Debug().Err(err).Str("symbol", symbol).Msg("currency status unavailable")
			return nil
		}
		snap.DepositOpen = &dep
		snap.WithdrawalOpen = &wd
		for _, c := range chains {
			networks[c] = struct{}{}
		}
		return nil
	})
	_ = g.Wait()

	if failures == 2 {
		return SupplySnapshot{}, fmt.Errorf("supply %s: no source answered", symbol)
	}
	for n := range networks {
		snap.Networks = append(snap.Networks, n)
	}
	sort.Strings(snap.Networks)
	return snap, nil
}

func (s *OnChainSupply) dexLiquidity(ctx context.Context, symbol string) (float64, int, []string, error) {
	var resp struct {
		Pairs []struct {
			ChainID     string `json:"chainId"`
			PairAddress string `json:"pairAddress"`
			BaseToken   struct {
				Symbol string `json:"symbol"`
			} `json:"baseToken"`
			Liquidity struct {
				USD float64 `json:"usd"`
			} `json:"liquidity"`
		} `json:"pairs"`
	}
	u := s.opts.DexScreenerURL + "/latest/dex/search?q=" + url.QueryEscape(symbol)
	if err := s.client.GetJSON(ctx, u, &resp); err != nil {
		return 0, 0, nil, fmt.Errorf("dexscreener search: %w", err)
	}

	seen := make(map[string]struct{})
	var total float64
	var chains []string
	for _, p := range resp.Pairs {
		if !strings.EqualFold(p.BaseToken.Symbol, symbol) {
			continue
		}
		if _, dup := seen[p.PairAddress]; dup {
			continue
		}
		seen[p.PairAddress] = struct{}{}
		total += p.Liquidity.USD
		if n, ok := dexChains[strings.ToLower(p.ChainID)]; ok {
			chains = append(chains, n)
		}
	}
	return total, len(seen), chains, nil
}

func (s *OnChainSupply) currencyStatus(ctx context.Context, symbol string) (deposit, withdraw bool, chains []string, err error) {
	var resp struct {
		WithdrawDisabled bool `json:"withdraw_disabled"`
		DepositDisabled  bool `json:"deposit_disabled"`
		Chains           []struct {
			Name             string `json:"name"`
			WithdrawDisabled bool   `json:"withdraw_disabled"`
			DepositDisabled  bool   `json:"deposit_disabled"`
		} `json:"chains"`
	}
	u := s.opts.GateURL + "/api/v4/spot/currencies/" + url.PathEscape(symbol)
	if err := s.client.GetJSON(ctx, u, &resp); err != nil {
		return false, false, nil, fmt.Errorf("gate currency: %w", err)
	}
	for _, c := range resp.Chains {
		if c.WithdrawDisabled || c.DepositDisabled {
			continue
		}
		if n, ok := gateChains[strings.ToUpper(c.Name)]; ok {
			chains = append(chains, n)
		}
	}
	return !resp.DepositDisabled, !resp.WithdrawDisabled, chains, nil
}
