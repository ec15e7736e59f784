package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "listing-gate", cfg.App.Name)
	assert.Equal(t, "test", cfg.App.Environment)
	assert.Equal(t, 50000, cfg.Writer.QueueSize)
	assert.Equal(t, 100, cfg.Writer.BatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Aggregator.SecondRetention)
	assert.Equal(t, []string{"upbit", "bithumb"}, cfg.Ingest.Venues)
	assert.Equal(t, 8, cfg.Gate.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Alerting.DebounceWindow)
	assert.Equal(t, time.Hour, cfg.Alerting.LowBatchInterval)
	assert.Equal(t, "store", cfg.Alerting.Debounce)
}

func TestListingIntervalsPerVenue(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Ingest.ListingIntervalFor("upbit"))
	assert.Equal(t, 60*time.Second, cfg.Ingest.ListingIntervalFor("bithumb"))

	cfg, err = Load(writeConfig(t, "ingest:\n  listing_interval: 45s\n  listing_intervals:\n    bithumb: 2m\n"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Ingest.ListingIntervalFor("upbit"), "unset venue keeps its default")
	assert.Equal(t, 2*time.Minute, cfg.Ingest.ListingIntervalFor("bithumb"))

	cfg.Ingest.ListingIntervals = nil
	assert.Equal(t, 45*time.Second, cfg.Ingest.ListingIntervalFor("bithumb"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LISTINGGATE_GATE_WORKERS", "3")
	t.Setenv("LISTINGGATE_INGEST_VENUES", "upbit")
	t.Setenv("LISTINGGATE_ALERTING_DEBOUNCE_WINDOW", "90s")

	cfg, err := Load(writeConfig(t, "ingest:\n  instruments: [BTC]\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Gate.Workers)
	assert.Equal(t, []string{"upbit"}, cfg.Ingest.Venues)
	assert.Equal(t, 90*time.Second, cfg.Alerting.DebounceWindow)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown venue":          "ingest:\n  venues: [coinone]\n",
		"zero workers":           "gate:\n  workers: 0\n",
		"telegram no token":      "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"redis without addr":     "alerting:\n  debounce: redis\n",
		"batch exceeds queue":    "writer:\n  queue_size: 10\n  batch_size: 20\n",
		"short retention":        "aggregator:\n  second_retention: 1m\n",
		"influx without bucket":  "influx:\n  url: http://localhost:8086\n",
		"interval unknown venue": "ingest:\n  listing_intervals:\n    coinone: 30s\n",
		"interval not positive":  "ingest:\n  listing_intervals:\n    upbit: 0s\n",
		"vasp bad status":        "gate:\n  vasp:\n    upbit:\n      bybit: maybe\n",
		"vasp unknown domestic":  "gate:\n  vasp:\n    coinone:\n      binance: ok\n",
		"unknown coefficient":    "gate:\n  scenario:\n    coefficients:\n      moon:\n        value: 0.1\n        samples: 3\n",
		"coefficient too large":  "gate:\n  scenario:\n    coefficients:\n      hedge_none:\n        value: 4\n        samples: 3\n",
		"network zero transfer":  "gate:\n  networks:\n    solana:\n      avg_transfer_min: 0\n",
		"negative fee":           "gate:\n  fees:\n    domestic_taker: -0.1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
