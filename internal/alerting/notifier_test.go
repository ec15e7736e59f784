package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/resilience"
)

func testClient() *resilience.Client {
	return resilience.NewClient(resilience.ClientOptions{Retry: resilience.RetryOptions{MaxRetries: -1}}, nil, zerolog.Nop())
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]any)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, testClient(), zerolog.Nop())
	err := notifier.Notify(context.Background(), Message{Severity: SeverityCritical, Text: "GO XYZ@upbit", Key: "verdict:XYZ@upbit"})
	require.NoError(t, err)

	assert.Equal(t, "chat", received["chat_id"])
	assert.Equal(t, "[CRITICAL] GO XYZ@upbit", received["text"])
}

func TestTelegramNotifierTruncatesLongText(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		text, _ = body["text"].(string)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, testClient(), zerolog.Nop())
	require.NoError(t, notifier.Notify(context.Background(), Message{Severity: SeverityLow, Text: strings.Repeat("a", 5000)}))
	assert.Len(t, text, telegramMaxText)
	assert.True(t, strings.HasSuffix(text, "..."))

	// Hangul is three bytes per rune
	require.NoError(t, notifier.Notify(context.Background(), Message{Severity: SeverityLow, Text: strings.Repeat("업비트 상장 ", 1000)}))
	assert.True(t, utf8.ValidString(text))
	assert.Equal(t, telegramMaxText, utf8.RuneCountInString(text))
	assert.True(t, strings.HasSuffix(text, "..."))

	short := "[LOW] 빗썸 원화 마켓 추가"
	assert.Equal(t, short, truncateText(short, telegramMaxText))
	assert.Equal(t, "[LOW] 빗...", truncateText(short, 10))
	assert.Equal(t, "a😀...", truncateText("a😀😀😀", 6), "surrogate pairs count twice")
}

func TestTelegramNotifierRejectedIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, testClient(), zerolog.Nop())
	err := notifier.Notify(context.Background(), Message{Severity: SeverityHigh, Text: "x"})
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.Contains(t, err.Error(), "chat not found")
	assert.EqualValues(t, 1, calls.Load())
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ParseSeverity("critical"))
	assert.Equal(t, SeverityMedium, ParseSeverity(" MEDIUM "))
	assert.Equal(t, SeverityInfo, ParseSeverity("loud"))
	assert.Equal(t, SeverityInfo, ParseSeverity(""))
}
