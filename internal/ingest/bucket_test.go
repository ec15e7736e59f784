package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/storage"
)

type recordingSink struct {
	mu    sync.Mutex
	tasks []storage.Task
	full  bool
}

func (s *recordingSink) Submit(t storage.Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.tasks = append(s.tasks, t)
	return true
}

func (s *recordingSink) SubmitCritical(_ context.Context, t storage.Task) error {
	s.Submit(t)
	return nil
}

func tick(inst string, at time.Time, price, vol string) StreamEvent {
	return StreamEvent{
		Venue:      VenueUpbit,
		Instrument: inst,
		ObservedAt: at,
		Kind:       KindTick,
		Tick:       &Tick{Price: decimal.RequireFromString(price), Volume: decimal.RequireFromString(vol)},
	}
}

func TestSecondBucketerFoldsTicks(t *testing.T) {
	sink := &recordingSink{}
	b := NewSecondBucketer(sink, zerolog.Nop())
	t0 := time.Date(2024, 3, 5, 0, 0, 1, 0, time.UTC)

	b.Add(tick("XYZ", t0.Add(100*time.Millisecond), "10", "1"))
	b.Add(tick("XYZ", t0.Add(300*time.Millisecond), "12", "2"))
	b.Add(tick("XYZ", t0.Add(900*time.Millisecond), "9", "1"))
	assert.Empty(t, sink.tasks, "second still open")

	b.Add(tick("XYZ", t0.Add(1100*time.Millisecond), "11", "1"))
	require.Len(t, sink.tasks, 1)
	args := sink.tasks[0].Args
	assert.Equal(t, t0, args[2])
	assert.Equal(t, "10", args[3])
	assert.Equal(t, "12", args[4])
	assert.Equal(t, "9", args[5])
	assert.Equal(t, "9", args[6])
	assert.Equal(t, "4", args[7])
	assert.Equal(t, "43", args[8])
	assert.Equal(t, int64(3), args[9])

	b.Flush()
	assert.Len(t, sink.tasks, 2)

	last, ok := b.LastPrice(VenueUpbit, "XYZ")
	require.True(t, ok)
	assert.Equal(t, "11", last.Price.String())
}

func TestSecondBucketerLateTickWrittenStandalone(t *testing.T) {
	sink := &recordingSink{}
	b := NewSecondBucketer(sink, zerolog.Nop())
	t0 := time.Date(2024, 3, 5, 0, 0, 5, 0, time.UTC)

	b.Add(tick("XYZ", t0, "10", "1"))
	b.Add(tick("XYZ", t0.Add(-3*time.Second), "8", "1"))
	require.Len(t, sink.tasks, 1)
	assert.Equal(t, t0.Add(-3*time.Second), sink.tasks[0].Args[2])

	last, _ := b.LastPrice(VenueUpbit, "XYZ")
	assert.Equal(t, "10", last.Price.String(), "late tick does not move last price")
}

func TestSecondBucketerToleratesFullQueue(t *testing.T) {
	sink := &recordingSink{full: true}
	b := NewSecondBucketer(sink, zerolog.Nop())
	b.Add(tick("XYZ", time.Now(), "1", "1"))
	b.Flush()
	assert.Empty(t, sink.tasks)
}
