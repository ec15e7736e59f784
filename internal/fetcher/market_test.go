package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/resilience"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

func testClient() *resilience.Client {
	return resilience.NewClient(resilience.ClientOptions{
		RatePerSecond: 1000,
		Burst:         100,
		Retry:         resilience.RetryOptions{MaxRetries: -1},
	}, nil, noopLogger())
}

func globalServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "XYZUSDT":
			_, _ = w.Write([]byte(`{"lastPrice":"1.00","quoteVolume":"300000","priceChangePercent":"0.5"}`))
		case "BTCUSDT":
			_, _ = w.Write([]byte(`{"lastPrice":"60000","quoteVolume":"1","priceChangePercent":"-7.2"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/api/v5/market/ticker", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"last":"1.10","vol24h":"90909.0909"}]}`))
	})
	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/ticker", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "KRW-XYZ", r.URL.Query().Get("markets"))
		_, _ = w.Write([]byte(`[{"market":"KRW-XYZ","trade_price":1520}]`))
	})
	mux.HandleFunc("/public/ticker/XYZ_KRW", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0000","data":{"closing_price":"1515"}}`))
	})
	return httptest.NewServer(mux)
}

func newTestMarket(url string) *Market {
	return NewMarket(MarketOptions{
		UpbitURL:   url,
		BithumbURL: url,
		BinanceURL: url,
		OKXURL:     url,
		BybitURL:   url,
	}, testClient(), noopLogger())
}

func TestFetchGlobalVolumeWeighted(t *testing.T) {
	srv := globalServer(t)
	defer srv.Close()

	q, err := newTestMarket(srv.URL).FetchGlobal(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "okx"}, q.Sources, "bybit failed and is skipped")
	assert.Equal(t, "binance", q.TopVenue())
	// (1.00*300000 + 1.10*100000) / 400000
	assert.InDelta(t, 1.025, q.PriceUSD.InexactFloat64(), 1e-6)
	assert.InDelta(t, 400000, q.VolumeUSD.InexactFloat64(), 0.01)
}

func TestFetchGlobalAllVenuesDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestMarket(srv.URL).FetchGlobal(context.Background(), "XYZ")
	require.ErrorIs(t, err, ErrNoPrice)
}

func TestFetchDomestic(t *testing.T) {
	srv := globalServer(t)
	defer srv.Close()
	m := newTestMarket(srv.URL)

	p, err := m.FetchDomestic(context.Background(), "upbit", "XYZ")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(1520)))

	p, err = m.FetchDomestic(context.Background(), "bithumb", "XYZ")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(1515)))

	_, err = m.FetchDomestic(context.Background(), "korbit", "XYZ")
	assert.True(t, resilience.IsPermanent(err))
}

func TestMarketCondition(t *testing.T) {
	srv := globalServer(t)
	defer srv.Close()

	cond, err := newTestMarket(srv.URL).MarketCondition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bear", cond)
}

func TestVWAPWithoutVolumeAverages(t *testing.T) {
	q := vwap([]venueQuote{
		{venue: "okx", price: decimal.NewFromInt(2)},
		{venue: "binance", price: decimal.NewFromInt(4)},
	})
	assert.Equal(t, "3", q.PriceUSD.String())
	assert.Equal(t, []string{"binance", "okx"}, q.Sources)
}
