package alerting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingNotifier) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

type brokenDebouncer struct{}

func (brokenDebouncer) Allow(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func (brokenDebouncer) Release(context.Context, string) error { return errors.New("redis down") }

func TestDispatchRoutesBySeverity(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, nil, DispatcherOptions{}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityCritical, Text: "a", Key: "k"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityCritical, Text: "b", Key: "k"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityHigh, Text: "c", Key: "k"}))
	assert.Len(t, n.messages(), 3, "CRITICAL and HIGH bypass debounce")

	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityMedium, Text: "m1", Key: "event:upbit:1"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityMedium, Text: "m2", Key: "event:upbit:1"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityMedium, Text: "m3", Key: "event:upbit:2"}))
	assert.Len(t, n.messages(), 5)

	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityInfo, Text: "i"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityLow, Text: "low one"}))
	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityLow, Text: "low two"}))
	assert.Len(t, n.messages(), 5)
	assert.Equal(t, 2, d.Pending())

	require.NoError(t, d.Flush(ctx))
	sent := n.messages()
	require.Len(t, sent, 6)
	batch := sent[5]
	assert.Equal(t, SeverityLow, batch.Severity)
	assert.True(t, strings.HasPrefix(batch.Text, "--- LOW alerts (2) ---"))
	assert.Contains(t, batch.Text, "low two")
	assert.Zero(t, d.Pending())
}

func TestDispatchDeliversWhenDebounceFails(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, brokenDebouncer{}, DispatcherOptions{}, zerolog.Nop())

	require.NoError(t, d.Dispatch(context.Background(), Message{Severity: SeverityMedium, Text: "m", Key: "k"}))
	assert.Len(t, n.messages(), 1)
}

func TestMediumRetryAfterFailedDelivery(t *testing.T) {
	n := &recordingNotifier{err: errors.New("telegram: 502 bad gateway")}
	d := NewDispatcher(n, nil, DispatcherOptions{}, zerolog.Nop())
	ctx := context.Background()
	msg := Message{Severity: SeverityMedium, Text: "investment warning", Key: "event:upbit:9"}

	require.Error(t, d.Dispatch(ctx, msg))

	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()
	require.NoError(t, d.Dispatch(ctx, msg))
	require.Len(t, n.messages(), 1, "failed delivery does not hold the debounce window")

	require.NoError(t, d.Dispatch(ctx, msg))
	assert.Len(t, n.messages(), 1, "successful delivery still debounces")
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	n := &recordingNotifier{err: errors.New("telegram down")}
	d := NewDispatcher(n, nil, DispatcherOptions{}, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityLow, Text: "first"}))
	require.Error(t, d.Flush(ctx))
	assert.Equal(t, 1, d.Pending())

	require.Error(t, d.Dispatch(ctx, Message{Severity: SeverityHigh, Text: "urgent"}))

	n.mu.Lock()
	n.err = nil
	n.mu.Unlock()
	require.NoError(t, d.Flush(ctx))
	require.Len(t, n.messages(), 1)
	assert.Contains(t, n.messages()[0].Text, "first")
}

func TestRunFlushesOnInterval(t *testing.T) {
	n := &recordingNotifier{}
	d := NewDispatcher(n, nil, DispatcherOptions{LowBatchInterval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Dispatch(ctx, Message{Severity: SeverityLow, Text: "tick"}))
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(n.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
