package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Topics published by the pipeline. Colons map to NATS subject dots.
const (
	TopicListing = "listinggate:listing"
	TopicEvent   = "listinggate:event"
	TopicVerdict = "listinggate:verdict"
)

// Publisher fans pipeline records out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
	Close() error
}

type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	Close()
}

// NATS publishes JSON payloads on a core NATS connection. Delivery is at-most-once.
type NATS struct {
	nc     conn
	logger zerolog.Logger
}

var _ Publisher = (*NATS)(nil)

// NewNATS connects to url with reconnects enabled.
func NewNATS(url, name string, logger zerolog.Logger) (*NATS, error) {
	log := logger.With().Str("component", "nats_bus").Logger()
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectHandler(func(*nats.Conn) { log.Warn().Msg("nats disconnected") }),
		nats.ReconnectHandler(func(c *nats.Conn) { log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected") }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, logger: log}, nil
}

// Publish marshals v and publishes it on the topic's subject.
func (b *NATS) Publish(_ context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if err := b.nc.Publish(topicToSubject(topic), payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close drains pending publishes then closes the connection.
func (b *NATS) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	err := b.nc.Drain()
	b.nc.Close()
	return err
}

// Nop discards everything. Used when no bus is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
