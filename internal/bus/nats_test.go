package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
	closed   bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Drain() error { f.drained = true; return nil }
func (f *fakeConn) Close()       { f.closed = true }

func TestPublishMapsTopicAndEncodesJSON(t *testing.T) {
	fc := &fakeConn{}
	b := &NATS{nc: fc, logger: zerolog.Nop()}

	require.NoError(t, b.Publish(context.Background(), TopicListing, map[string]string{"symbol": "XYZ"}))
	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "listinggate.listing", fc.subjects[0])

	var got map[string]string
	require.NoError(t, json.Unmarshal(fc.payloads[0], &got))
	assert.Equal(t, "XYZ", got["symbol"])
}

func TestPublishWrapsErrors(t *testing.T) {
	b := &NATS{nc: &fakeConn{err: errors.New("no conn")}, logger: zerolog.Nop()}
	err := b.Publish(context.Background(), TopicVerdict, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), TopicVerdict)

	assert.Error(t, b.Publish(context.Background(), TopicVerdict, make(chan int)))
}

func TestCloseDrains(t *testing.T) {
	fc := &fakeConn{}
	b := &NATS{nc: fc}
	require.NoError(t, b.Close())
	assert.True(t, fc.drained)
	assert.True(t, fc.closed)

	var nop Publisher = Nop{}
	assert.NoError(t, nop.Publish(context.Background(), TopicEvent, nil))
}
