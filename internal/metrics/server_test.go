package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandlerReportsDegraded(t *testing.T) {
	h := HealthHandler(func() Health {
		return Health{
			WriterQueue:   3,
			WriterDropped: 7,
			Breakers:      map[string]string{"api.binance.com": "open"},
			Streams:       map[string]bool{"upbit_ws": true},
		}
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "degraded", got.Status)
	assert.Equal(t, uint64(7), got.WriterDropped)
	assert.False(t, got.CheckedAt.IsZero())
}

func TestHealthHandlerOK(t *testing.T) {
	h := HealthHandler(func() Health {
		return Health{Breakers: map[string]string{"x": "closed"}, Streams: map[string]bool{"s": true}}
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
