package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOptions bound retry attempts and delays.
type RetryOptions struct {
	// MaxRetries is the number of retries after the first attempt. Zero means
	// the default of 3; negative disables retrying.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Notify     func(err error, delay time.Duration)
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// jitterBackOff yields base * 2^attempt * (0.5 + rand), capped at max.
type jitterBackOff struct {
	base    time.Duration
	max     time.Duration
	attempt int
	rnd     func() float64
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	d := float64(b.base) * math.Pow(2, float64(b.attempt)) * (0.5 + b.rnd())
	b.attempt++
	if d > float64(b.max) || math.IsInf(d, 0) {
		return b.max
	}
	return time.Duration(d)
}

func (b *jitterBackOff) Reset() { b.attempt = 0 }

// Retry calls fn until it succeeds, returns a non-transient error, or the
// retry budget or ctx runs out.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var b backoff.BackOff = &jitterBackOff{base: opts.BaseDelay, max: opts.MaxDelay, rnd: rand.Float64}
	b = backoff.WithMaxRetries(b, uint64(opts.MaxRetries))
	b = backoff.WithContext(b, ctx)

	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	var notify backoff.Notify
	if opts.Notify != nil {
		notify = func(err error, d time.Duration) { opts.Notify(err, d) }
	}
	return backoff.RetryNotifyWithData(op, b, notify)
}
