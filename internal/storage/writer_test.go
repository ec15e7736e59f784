package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBadStatement = errors.New("syntax error")

type fakeHandle struct {
	mu        sync.Mutex
	committed []string
	batches   int
	rollbacks int
}

func (h *fakeHandle) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "BAD") {
		return pgconn.CommandTag{}, errBadStatement
	}
	h.mu.Lock()
	h.committed = append(h.committed, sql)
	h.mu.Unlock()
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (h *fakeHandle) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{h: h}, nil
}

func (h *fakeHandle) statements() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.committed...)
}

type fakeTx struct {
	pgx.Tx
	h       *fakeHandle
	pending []string
}

func (tx *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "BAD") {
		return pgconn.CommandTag{}, errBadStatement
	}
	tx.pending = append(tx.pending, sql)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.h.mu.Lock()
	defer tx.h.mu.Unlock()
	tx.h.committed = append(tx.h.committed, tx.pending...)
	tx.h.batches++
	tx.pending = nil
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	tx.h.mu.Lock()
	defer tx.h.mu.Unlock()
	tx.h.rollbacks++
	tx.pending = nil
	return nil
}

func stmt(s string) Task { return Task{Kind: "test", SQL: s} }

func runWriter(t *testing.T, w *Writer) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	return errCh
}

func TestWriterCommitsBatchInOneTransaction(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{}, zerolog.Nop())
	require.True(t, w.Submit(stmt("A")))
	require.True(t, w.Submit(stmt("B")))
	require.NoError(t, w.SubmitCritical(context.Background(), stmt("C")))

	errCh := runWriter(t, w)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"A", "B", "C"}, h.statements())
	assert.Equal(t, 1, h.batches)
	assert.Equal(t, uint64(3), w.Committed())
}

func TestWriterIsolatesFailingTask(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{}, zerolog.Nop())
	w.Submit(stmt("good-1"))
	w.Submit(stmt("BAD"))
	w.Submit(stmt("good-2"))

	errCh := runWriter(t, w)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"good-1", "good-2"}, h.statements())
	assert.Equal(t, 1, h.rollbacks)
	assert.Equal(t, uint64(2), w.Committed())
	assert.Equal(t, uint64(1), w.Failed())
}

func TestWriterDropCounterIsExact(t *testing.T) {
	w := NewWriter(&fakeHandle{}, WriterOptions{QueueSize: 2}, zerolog.Nop())
	accepted := 0
	for i := 0; i < 1205; i++ {
		if w.Submit(stmt("x")) {
			accepted++
		}
	}
	assert.Equal(t, 2, accepted)
	assert.Equal(t, uint64(1203), w.Dropped())
}

func TestWriterSubmitCriticalBlocksUntilContextDone(t *testing.T) {
	w := NewWriter(&fakeHandle{}, WriterOptions{QueueSize: 1}, zerolog.Nop())
	require.True(t, w.Submit(stmt("fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.SubmitCritical(ctx, stmt("late"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(0), w.Dropped())
}

func TestWriterCommitsItemsQueuedBehindSentinel(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{}, zerolog.Nop())
	w.Submit(stmt("before"))
	w.queue <- writeItem{sentinel: true}
	w.Submit(stmt("after"))

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []string{"before", "after"}, h.statements())
}

func TestWriterDrainsMoreThanOneBatchOnClose(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{BatchSize: 2}, zerolog.Nop())
	for i := 0; i < 5; i++ {
		w.Submit(stmt("s"))
	}
	errCh := runWriter(t, w)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-errCh)
	assert.Len(t, h.statements(), 5)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w := NewWriter(&fakeHandle{}, WriterOptions{}, zerolog.Nop())
	errCh := runWriter(t, w)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, <-errCh)

	assert.False(t, w.Submit(stmt("x")))
	assert.ErrorIs(t, w.SubmitCritical(context.Background(), stmt("x")), ErrWriterClosed)
	assert.Equal(t, uint64(0), w.Dropped())
}

func TestWriterCloseReleasesBlockedSubmitCritical(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{QueueSize: 1}, zerolog.Nop())
	require.True(t, w.Submit(stmt("fill")))

	blocked := make(chan error, 1)
	go func() { blocked <- w.SubmitCritical(context.Background(), stmt("late")) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- w.Close(context.Background()) }()
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrWriterClosed)
	case <-time.After(time.Second):
		t.Fatal("SubmitCritical still blocked after Close")
	}

	errCh := runWriter(t, w)
	require.NoError(t, <-closed)
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"fill"}, h.statements())
}

func TestWriterKeepsEveryAcceptedTaskAcrossClose(t *testing.T) {
	h := &fakeHandle{}
	w := NewWriter(h, WriterOptions{QueueSize: 100_000}, zerolog.Nop())
	errCh := runWriter(t, w)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if w.Submit(stmt("s")) {
					accepted.Add(1)
				}
				if w.SubmitCritical(context.Background(), stmt("c")) == nil {
					accepted.Add(1)
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	require.NoError(t, w.Close(context.Background()))
	wg.Wait()
	require.NoError(t, <-errCh)

	assert.Len(t, h.statements(), int(accepted.Load()))
	assert.Equal(t, uint64(accepted.Load()), w.Committed())
	assert.Equal(t, uint64(0), w.Dropped())
}

func TestTaskConstructorsCarryDecimalStrings(t *testing.T) {
	task := UpsertMinuteBarTask(Bar{Instrument: "BTC", Venue: "upbit", TradeCount: 3})
	assert.Equal(t, "upsert minute bar", task.Kind)
	require.Len(t, task.Args, 10)
	assert.Equal(t, "0", task.Args[3])

	gate := InsertGateResultTask(GateRecord{Symbol: "XYZ"})
	assert.Equal(t, []string{}, gate.Args[9])
	assert.Equal(t, []byte("{}"), gate.Args[11])
	assert.Nil(t, gate.Args[6])
}
