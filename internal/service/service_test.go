package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-gate/internal/alerting"
	"listing-gate/internal/gate"
	"listing-gate/internal/ingest"
	"listing-gate/internal/storage"
)

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) add(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, step)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

type fakeWriter struct {
	j      *journal
	mu     sync.Mutex
	tasks  []storage.Task
	closed chan struct{}
	once   sync.Once
}

func newFakeWriter(j *journal) *fakeWriter {
	return &fakeWriter{j: j, closed: make(chan struct{})}
}

func (w *fakeWriter) Submit(t storage.Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks = append(w.tasks, t)
	return true
}

func (w *fakeWriter) SubmitCritical(_ context.Context, t storage.Task) error {
	w.Submit(t)
	return nil
}

func (w *fakeWriter) Run(ctx context.Context) error {
	select {
	case <-w.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *fakeWriter) Close(context.Context) error {
	w.once.Do(func() {
		w.j.add("writer closed")
		close(w.closed)
	})
	return nil
}

func (w *fakeWriter) QueueDepth() int   { return 3 }
func (w *fakeWriter) Dropped() uint64   { return 1 }
func (w *fakeWriter) Committed() uint64 { return 42 }
func (w *fakeWriter) Failed() uint64    { return 0 }

func (w *fakeWriter) count(kind string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.tasks {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

type fakeStream struct {
	mu      sync.Mutex
	tracked []string
}

func (s *fakeStream) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (s *fakeStream) Name() string    { return "upbit_ws" }
func (s *fakeStream) Venue() string   { return ingest.VenueUpbit }
func (s *fakeStream) Connected() bool { return true }
func (s *fakeStream) Track(instruments ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, instruments...)
	return nil
}

type fakeMinutes struct{ j *journal }

func (m fakeMinutes) Heal(context.Context) (int, error) {
	m.j.add("heal")
	return 2, nil
}
func (m fakeMinutes) Tick(context.Context, time.Time) error { return nil }
func (m fakeMinutes) Flush(context.Context) error {
	m.j.add("minutes flushed")
	return nil
}

type fakeAnalyzer struct {
	calls atomic.Int32
	res   gate.Result
}

func (a *fakeAnalyzer) Analyze(_ context.Context, symbol, venue string) gate.Result {
	a.calls.Add(1)
	r := a.res
	r.Symbol, r.Venue = symbol, venue
	return r
}

type journalNotifier struct {
	j    *journal
	mu   sync.Mutex
	sent []alerting.Message
}

func (n *journalNotifier) Notify(_ context.Context, msg alerting.Message) error {
	n.mu.Lock()
	n.sent = append(n.sent, msg)
	n.mu.Unlock()
	n.j.add("notify " + string(msg.Severity))
	return nil
}

func (n *journalNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func TestRunAnalyzesListingsAndShutsDownInOrder(t *testing.T) {
	j := &journal{}
	writer := newFakeWriter(j)
	stream := &fakeStream{}
	notifier := &journalNotifier{j: j}
	dispatcher := alerting.NewDispatcher(notifier, nil, alerting.DispatcherOptions{}, zerolog.Nop())
	analyzer := &fakeAnalyzer{res: gate.Result{
		Action: gate.ActionNoTrade, Severity: gate.SeverityLow,
		Blockers: []string{gate.BlockDomesticUnavailable},
	}}
	listings := make(chan ingest.ListingSignal, 2)
	events := make(chan ingest.EventSignal, 1)

	svc, err := New(Components{
		Writer:       writer,
		Streams:      []Stream{stream},
		Listings:     listings,
		EventSignals: events,
		Minutes:      fakeMinutes{j: j},
		Analyzer:     analyzer,
		Dispatcher:   dispatcher,
	}, Options{Workers: 2}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	listings <- ingest.ListingSignal{Symbol: "XYZ", Venue: ingest.VenueUpbit, Origin: ingest.OriginMarketDiff, DetectedAt: time.Now()}
	listings <- ingest.ListingSignal{Symbol: "XYZ", Venue: ingest.VenueUpbit, Origin: ingest.OriginNotice, Duplicate: true}
	events <- ingest.EventSignal{Venue: ingest.VenueUpbit, Category: ingest.CategoryWarning, Severity: "MEDIUM", Title: "investment warning", NoticeID: "9"}

	require.Eventually(t, func() bool {
		return writer.count("insert gate result") == 1 && dispatcher.Pending() == 1 && notifier.count() == 1 &&
			writer.count("insert listing") == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 1, analyzer.calls.Load(), "duplicate signal is tracked but not analyzed")
	assert.Equal(t, 1, writer.count("insert event"))
	stream.mu.Lock()
	assert.Equal(t, []string{"XYZ", "XYZ"}, stream.tracked)
	stream.mu.Unlock()

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"heal", "notify MEDIUM", "minutes flushed", "writer closed", "notify LOW"}, j.list())
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.True(t, strings.HasPrefix(notifier.sent[1].Text, "--- LOW alerts (1) ---"))
}

func TestHealthSnapshot(t *testing.T) {
	j := &journal{}
	svc, err := New(Components{
		Writer:     newFakeWriter(j),
		Streams:    []Stream{&fakeStream{}},
		Analyzer:   &fakeAnalyzer{},
		Dispatcher: alerting.NewDispatcher(alerting.NewLogNotifier(zerolog.Nop()), nil, alerting.DispatcherOptions{}, zerolog.Nop()),
	}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	h := svc.Health()
	assert.Equal(t, 3, h.WriterQueue)
	assert.EqualValues(t, 1, h.WriterDropped)
	assert.EqualValues(t, 42, h.WriterCommitted)
	assert.Equal(t, map[string]bool{"upbit_ws": true}, h.Streams)
}

func TestNewRequiresCoreComponents(t *testing.T) {
	_, err := New(Components{}, Options{}, zerolog.Nop())
	assert.Error(t, err)
}

type deadlineWriter struct {
	*fakeWriter
	deadlines []time.Time
}

func (w *deadlineWriter) SubmitCritical(ctx context.Context, t storage.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dl, _ := ctx.Deadline()
	w.mu.Lock()
	w.deadlines = append(w.deadlines, dl)
	w.mu.Unlock()
	return w.fakeWriter.SubmitCritical(ctx, t)
}

func TestSignalsPersistAfterCancellation(t *testing.T) {
	writer := &deadlineWriter{fakeWriter: newFakeWriter(&journal{})}
	svc, err := New(Components{
		Writer:     writer,
		Analyzer:   &fakeAnalyzer{},
		Dispatcher: alerting.NewDispatcher(alerting.NewLogNotifier(zerolog.Nop()), nil, alerting.DispatcherOptions{}, zerolog.Nop()),
	}, Options{PersistTimeout: time.Second}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	svc.HandleListing(ctx, ingest.ListingSignal{Symbol: "XYZ", Venue: ingest.VenueUpbit, Origin: ingest.OriginNotice, Duplicate: true})
	svc.HandleEvent(ctx, ingest.EventSignal{Venue: ingest.VenueBithumb, Category: ingest.CategoryWarning, Severity: "MEDIUM", NoticeID: "7"})

	assert.Equal(t, 1, writer.count("insert listing"))
	assert.Equal(t, 1, writer.count("insert event"))
	require.Len(t, writer.deadlines, 2)
	for _, dl := range writer.deadlines {
		assert.WithinDuration(t, start.Add(time.Second), dl, 500*time.Millisecond)
	}
}
