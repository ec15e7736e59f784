package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"listing-gate/internal/metrics"
)

// Adapter translates one venue's websocket protocol into StreamEvents.
type Adapter interface {
	Name() string
	Venue() string
	URL() string
	// SubscribeMessages returns the frames that subscribe the full tracked set.
	SubscribeMessages(instruments []string) ([][]byte, error)
	// Decode parses one inbound frame. An error skips the frame only.
	Decode(raw []byte, emit func(StreamEvent)) error
	// OnReconnect runs after every (re)subscribe, before frames are read.
	OnReconnect(ctx context.Context, instruments []string, emit func(StreamEvent)) error
	// Recover backfills records observed in (from, to] through a request/response endpoint.
	Recover(ctx context.Context, instruments []string, from, to time.Time, emit func(StreamEvent)) error
}

// StreamOptions tune connection management.
type StreamOptions struct {
	DialTimeout  time.Duration
	PingEvery    time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	StableReset  time.Duration
	GapThreshold time.Duration
	ReadLimit    int64
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PingEvery <= 0 {
		o.PingEvery = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * o.PingEvery
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.StableReset <= 0 {
		o.StableReset = 30 * time.Second
	}
	if o.GapThreshold <= 0 {
		o.GapThreshold = 5 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4 << 20
	}
	return o
}

// Stream keeps one websocket feed alive across disconnects.
type Stream struct {
	adapter Adapter
	opts    StreamOptions
	out     chan<- StreamEvent
	logger  zerolog.Logger
	dialer  *websocket.Dialer

	mu      sync.Mutex
	tracked map[string]struct{}
	conn    *websocket.Conn
	writeMu sync.Mutex

	lastMsg        atomic.Int64
	disconnectedAt atomic.Int64
	connected      atomic.Bool
}

// NewStream wires an adapter to the output channel.
func NewStream(adapter Adapter, opts StreamOptions, out chan<- StreamEvent, logger zerolog.Logger) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		adapter: adapter,
		opts:    opts,
		out:     out,
		logger:  logger.With().Str("component", "stream").Str("source", adapter.Name()).Logger(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		tracked: make(map[string]struct{}),
	}
}

// Name returns the adapter name.
func (s *Stream) Name() string { return s.adapter.Name() }

// Venue returns the adapter venue.
func (s *Stream) Venue() string { return s.adapter.Venue() }

// Connected reports whether a live connection exists.
func (s *Stream) Connected() bool { return s.connected.Load() }

// Tracked lists tracked instruments in sorted order.
func (s *Stream) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tracked))
	for k := range s.tracked {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Track adds instruments and resubscribes a live connection.
func (s *Stream) Track(instruments ...string) error {
	s.mu.Lock()
	added := false
	for _, in := range instruments {
		if _, ok := s.tracked[in]; !ok {
			s.tracked[in] = struct{}{}
			added = true
		}
	}
	conn := s.conn
	s.mu.Unlock()

	if !added || conn == nil {
		return nil
	}
	return s.subscribe(conn, s.Tracked())
}

// Untrack removes an instrument; the next subscribe frame omits it.
func (s *Stream) Untrack(instrument string) error {
	s.mu.Lock()
	delete(s.tracked, instrument)
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.subscribe(conn, s.Tracked())
}

// Run connects and reconnects until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	b := s.reconnectBackOff()
	for ctx.Err() == nil {
		dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		conn, _, err := s.dialer.DialContext(dctx, s.adapter.URL(), nil)
		cancel()
		if err != nil {
			metrics.StreamReconnectsTotal.WithLabelValues(s.adapter.Name()).Inc()
			wait := b.NextBackOff()
			s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("dial failed")
			if !sleepCtx(ctx, wait) {
				break
			}
			continue
		}

		start := time.Now()
		err = s.serve(ctx, conn)
		_ = conn.Close()
		s.disconnectedAt.Store(time.Now().UnixNano())

		if time.Since(start) >= s.opts.StableReset {
			b.Reset()
		}
		if ctx.Err() != nil {
			break
		}
		metrics.StreamReconnectsTotal.WithLabelValues(s.adapter.Name()).Inc()
		wait := b.NextBackOff()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("connection lost")
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	return ctx.Err()
}

// reconnectBackOff doubles from BaseDelay up to MaxDelay with +/-50% jitter
// and never stops.
func (s *Stream) reconnectBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BaseDelay
	b.MaxInterval = s.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Stream) serve(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(s.opts.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.connected.Store(false)
		metrics.StreamConnected.WithLabelValues(s.adapter.Name()).Set(0)
	}()

	emit := func(ev StreamEvent) {
		select {
		case s.out <- ev:
		case <-ctx.Done():
		}
	}

	instruments := s.Tracked()
	if err := s.subscribe(conn, instruments); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.connected.Store(true)
	metrics.StreamConnected.WithLabelValues(s.adapter.Name()).Set(1)
	s.logger.Info().Int("instruments", len(instruments)).Msg("connected")

	if err := s.adapter.OnReconnect(ctx, instruments, emit); err != nil {
		s.logger.Warn().Err(err).Msg("reconnect hook failed")
	}
	s.recoverGap(ctx, instruments, emit)

	errCh := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			s.lastMsg.Store(time.Now().UnixNano())
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
			if err := s.adapter.Decode(raw, emit); err != nil {
				metrics.StreamParseErrorsTotal.WithLabelValues(s.adapter.Name()).Inc()
				s.logger.Debug().Err(err).Msg("skip malformed frame")
			}
		}
	}()

	ping := time.NewTicker(s.opts.PingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				_ = conn.Close()
				<-errCh
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// recoverGap backfills the outage window when it exceeds the threshold.
func (s *Stream) recoverGap(ctx context.Context, instruments []string, emit func(StreamEvent)) {
	downNanos := s.disconnectedAt.Load()
	if downNanos == 0 || len(instruments) == 0 {
		return
	}
	now := time.Now()
	outage := now.Sub(time.Unix(0, downNanos))
	if outage <= s.opts.GapThreshold {
		return
	}
	from := time.Unix(0, downNanos)
	if last := s.lastMsg.Load(); last != 0 && last < downNanos {
		from = time.Unix(0, last)
	}

	metrics.StreamGapRecoveriesTotal.WithLabelValues(s.adapter.Name()).Inc()
	s.logger.Info().Dur("outage", outage).Time("from", from).Msg("recovering gap")
	if err := s.adapter.Recover(ctx, instruments, from, now, emit); err != nil {
		s.logger.Warn().Err(err).Msg("gap recovery failed")
	}
}

func (s *Stream) subscribe(conn *websocket.Conn, instruments []string) error {
	if len(instruments) == 0 {
		return nil
	}
	frames, err := s.adapter.SubscribeMessages(instruments)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, frame := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
