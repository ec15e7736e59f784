package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"listing-gate/internal/storage"
)

const measurement = "minute_bar"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("sink: closed")

// InfluxConfig locates the bucket that mirrors minute bars.
type InfluxConfig struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
	UseGzip       bool
}

// Influx mirrors rolled minutes into InfluxDB through the async write API.
type Influx struct {
	client influxdb2.Client
	write  api.WriteAPI
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewInflux connects the mirror. Write errors surface asynchronously and are logged.
func NewInflux(cfg InfluxConfig, logger zerolog.Logger) *Influx {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	s := &Influx{
		client: client,
		write:  client.WriteAPI(cfg.Org, cfg.Bucket),
		logger: logger.With().Str("component", "influx_sink").Str("bucket", cfg.Bucket).Logger(),
		done:   make(chan struct{}),
	}

	// Errors() must be drained or the write API blocks.
	go func() {
		defer close(s.done)
		for err := range s.write.Errors() {
			s.logger.Warn().Err(err).Msg("influx write failed")
		}
	}()
	return s
}

// WriteMinutes queues one point per bar.
func (s *Influx) WriteMinutes(_ context.Context, bars []storage.Bar) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	for _, b := range bars {
		s.write.WritePoint(MinutePoint(b))
	}
	return nil
}

// Close flushes buffered points and releases the client.
func (s *Influx) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
}

// MinutePoint renders a bar as a line-protocol point tagged by instrument and venue.
func MinutePoint(b storage.Bar) *write.Point {
	tags := map[string]string{
		"instrument": b.Instrument,
		"venue":      b.Venue,
	}
	fields := map[string]interface{}{
		"o":  b.Open.InexactFloat64(),
		"h":  b.High.InexactFloat64(),
		"l":  b.Low.InexactFloat64(),
		"c":  b.Close.InexactFloat64(),
		"v":  b.Volume.InexactFloat64(),
		"qv": b.QuoteVolume.InexactFloat64(),
		"n":  b.TradeCount,
	}
	return write.NewPoint(measurement, tags, fields, b.BucketTS)
}
