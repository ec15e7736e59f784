package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) (any, error)    { return nil, errBoom }
func succeed(context.Context) (any, error) { return "ok", nil }

func newTestBreaker(cooldown time.Duration) *Breaker {
	return NewBreaker(BreakerOptions{
		Name:             "test-" + time.Now().Format("150405.000000000"),
		FailureThreshold: 5,
		HalfOpenMaxCalls: 2,
		Cooldown:         cooldown,
	}, zerolog.Nop())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := b.Execute(ctx, fail)
		require.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, StateClosed, b.State())

	_, err := b.Execute(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	_, err = b.Execute(ctx, func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "open breaker must not invoke the call")
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = b.Execute(ctx, fail)
	}
	_, err := b.Execute(ctx, succeed)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _ = b.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPermanentErrorsDoNotTrip(t *testing.T) {
	b := newTestBreaker(time.Hour)
	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), func(context.Context) (any, error) {
			return nil, Permanent(errors.New("bad symbol"))
		})
		require.Error(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenClosesAfterTwoSuccesses(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State(), "one success is not enough")

	_, err = b.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(ctx, fail)
	}
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(ctx, succeed)
	require.NoError(t, err)
	_, err = b.Execute(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Execute(ctx, succeed)
	require.ErrorIs(t, err, ErrOpen, "cooldown restarts after a half-open failure")
}

func TestBreakerSingleTrialInFlight(t *testing.T) {
	b := newTestBreaker(20 * time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = b.Execute(ctx, fail)
	}
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Execute(ctx, func(context.Context) (any, error) {
			close(started)
			<-release
			return "trial", nil
		})
	}()
	<-started

	begin := time.Now()
	_, err := b.Execute(ctx, succeed)
	require.ErrorIs(t, err, ErrOpen)
	assert.Less(t, time.Since(begin), 10*time.Millisecond, "second caller must not wait for the trial call")

	close(release)
	wg.Wait()
}

func TestDoTyped(t *testing.T) {
	b := newTestBreaker(time.Hour)
	v, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBreakerSetReusesByName(t *testing.T) {
	set := NewBreakerSet(BreakerOptions{}, zerolog.Nop())
	a := set.Get("api.upbit.com")
	b := set.Get("api.upbit.com")
	assert.Same(t, a, b)
	set.Get("api.bithumb.com")
	assert.Equal(t, []string{"api.bithumb.com", "api.upbit.com"}, set.Names())
	assert.Equal(t, StateClosed, set.States()["api.upbit.com"])
}
