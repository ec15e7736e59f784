package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCongestionFromGweiBands(t *testing.T) {
	assert.Equal(t, 0.0, CongestionFromGwei(10))
	assert.InDelta(t, 0.25, CongestionFromGwei(35), 1e-9)
	assert.InDelta(t, 0.75, CongestionFromGwei(75), 1e-9)
	assert.Equal(t, 1.0, CongestionFromGwei(250))
}

func TestGasOracleMissingConfig(t *testing.T) {
	g := NewGasOracle(GasOptions{}, noopLogger())
	c, err := g.Congestion(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Equal(t, DefaultCongestion, c)

	c, err = g.Congestion(context.Background(), "arbitrum")
	require.NoError(t, err)
	assert.Equal(t, 0.1, c)

	c, _ = g.Congestion(context.Background(), "someothernet")
	assert.Equal(t, DefaultCongestion, c)
}

func TestGasOracleQueriesRPC(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eth_gasPrice", req.Method)
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// 35 gwei
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0x826299e00"}`))
	}))
	defer srv.Close()

	g := NewGasOracle(GasOptions{RPCURL: srv.URL}, noopLogger())
	c, err := g.Congestion(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, c, 1e-9)

	_, _ = g.Congestion(context.Background(), "ethereum")
	assert.Equal(t, int32(1), calls.Load(), "cached within TTL")
}
