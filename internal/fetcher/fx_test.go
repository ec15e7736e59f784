package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpot struct {
	upbit   map[string]string
	binance map[string]string
}

func (f *fakeSpot) UpbitPrice(_ context.Context, market string) (decimal.Decimal, error) {
	if v, ok := f.upbit[market]; ok {
		return decimal.RequireFromString(v), nil
	}
	return decimal.Decimal{}, errors.New("down")
}

func (f *fakeSpot) BinancePrice(_ context.Context, pair string) (decimal.Decimal, error) {
	if v, ok := f.binance[pair]; ok {
		return decimal.RequireFromString(v), nil
	}
	return decimal.Decimal{}, errors.New("down")
}

func TestFXChainOrder(t *testing.T) {
	spot := &fakeSpot{
		upbit:   map[string]string{"KRW-BTC": "87000000", "KRW-ETH": "4350000", "KRW-USDT": "1440"},
		binance: map[string]string{"BTCUSDT": "60000", "ETHUSDT": "3000"},
	}
	fx := NewFX(spot, FXOptions{}, noopLogger())

	r, err := fx.FetchFX(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FXBTCImplied, r.Source)
	assert.Equal(t, "1450", r.Rate.String())
	assert.True(t, r.Trusted())

	delete(spot.binance, "BTCUSDT")
	r, _ = fx.FetchFX(context.Background())
	assert.Equal(t, FXETHImplied, r.Source)

	delete(spot.upbit, "KRW-ETH")
	r, _ = fx.FetchFX(context.Background())
	assert.Equal(t, FXUSDTDirect, r.Source)
	assert.False(t, r.Trusted())
}

func TestFXCacheKeepsSourceThenHardcoded(t *testing.T) {
	spot := &fakeSpot{
		upbit:   map[string]string{"KRW-BTC": "87000000"},
		binance: map[string]string{"BTCUSDT": "60000"},
	}
	fx := NewFX(spot, FXOptions{CacheTTL: 5 * time.Minute}, noopLogger())
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	fx.now = func() time.Time { return now }

	_, err := fx.FetchFX(context.Background())
	require.NoError(t, err)

	spot.upbit = nil
	now = now.Add(4 * time.Minute)
	r, _ := fx.FetchFX(context.Background())
	assert.Equal(t, FXBTCImplied, r.Source)
	assert.True(t, r.Cached)
	assert.True(t, r.Trusted())

	now = now.Add(2 * time.Minute)
	r, _ = fx.FetchFX(context.Background())
	assert.Equal(t, FXHardcoded, r.Source)
	assert.Equal(t, "1450", r.Rate.String())
	assert.False(t, r.Trusted())
}
