package fetcher

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// DefaultCongestion is used when a network's congestion cannot be measured.
const DefaultCongestion = 0.3

var networkCongestion = map[string]float64{
	"solana":    0.2,
	"tron":      0.2,
	"bsc":       0.15,
	"polygon":   0.2,
	"arbitrum":  0.1,
	"base":      0.1,
	"avalanche": 0.15,
}

type gasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasOptions parameterise the Ethereum gas oracle.
type GasOptions struct {
	RPCURL   string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type congestionEntry struct {
	value float64
	at    time.Time
}

// GasOracle estimates network congestion. Ethereum is measured from the
// suggested gas price over RPC; other networks use fixed estimates.
type GasOracle struct {
	opts   GasOptions
	logger zerolog.Logger
	now    func() time.Time
	dial   func(ctx context.Context, url string) (gasPricer, error)

	clientMux sync.Mutex
	client    gasPricer

	mu    sync.Mutex
	cache map[string]congestionEntry
}

var _ CongestionFetcher = (*GasOracle)(nil)

// NewGasOracle builds a gas oracle. The RPC connection is dialled lazily.
func NewGasOracle(opts GasOptions, logger zerolog.Logger) *GasOracle {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &GasOracle{
		opts:   opts,
		logger: logger.With().Str("component", "gas_oracle").Logger(),
		now:    time.Now,
		dial: func(ctx context.Context, url string) (gasPricer, error) {
			return ethclient.DialContext(ctx, url)
		},
		cache: make(map[string]congestionEntry),
	}
}

// Congestion returns a value in [0, 1]. On failure it returns
// DefaultCongestion together with the error.
func (g *GasOracle) Congestion(ctx context.Context, network string) (float64, error) {
	g.mu.Lock()
	if e, ok := g.cache[network]; ok && g.now().Sub(e.at) < g.opts.CacheTTL {
		g.mu.Unlock()
		return e.value, nil
	}
	g.mu.Unlock()

	var value float64
	if network == "ethereum" {
		gwei, err := g.gasPriceGwei(ctx)
		if err != nil {
			return DefaultCongestion, err
		}
		value = CongestionFromGwei(gwei)
	} else if v, ok := networkCongestion[network]; ok {
		value = v
	} else {
		value = DefaultCongestion
	}

	g.mu.Lock()
	g.cache[network] = congestionEntry{value: value, at: g.now()}
	g.mu.Unlock()
	return value, nil
}

func (g *GasOracle) gasPriceGwei(ctx context.Context) (float64, error) {
	if g.opts.RPCURL == "" {
		return 0, errors.New("ethereum rpc url not configured")
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	client, err := g.getClient(ctx)
	if err != nil {
		return 0, err
	}
	wei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, err
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei, nil
}

func (g *GasOracle) getClient(ctx context.Context) (gasPricer, error) {
	g.clientMux.Lock()
	defer g.clientMux.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	client, err := g.dial(ctx, g.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	g.client = client
	return client, nil
}

// CongestionFromGwei maps gas price bands to congestion: below 20 gwei is
// idle, 20-50 rises to 0.5, 50-100 rises to 1, above 100 is saturated.
func CongestionFromGwei(gwei float64) float64 {
	switch {
	case gwei < 20:
		return 0
	case gwei < 50:
		return (gwei - 20) / 60
	case gwei < 100:
		return 0.5 + (gwei-50)/100
	default:
		return 1
	}
}
