package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxRawBody = 4 << 20

// ClientOptions parameterise the resilient HTTP client.
type ClientOptions struct {
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	UserAgent      string
	RatePerSecond  float64
	Burst          int
	Retry          RetryOptions
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.TotalTimeout <= 0 {
		o.TotalTimeout = 15 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "listing-gate/1.0"
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	return o
}

// Client issues JSON requests with a breaker per host, retries for transient
// failures and a token bucket per host.
type Client struct {
	http     *http.Client
	opts     ClientOptions
	breakers *BreakerSet
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient builds a Client. breakers may be shared with other components.
func NewClient(opts ClientOptions, breakers *BreakerSet, logger zerolog.Logger) *Client {
	opts = opts.withDefaults()
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if breakers == nil {
		breakers = NewBreakerSet(BreakerOptions{}, logger)
	}
	return &Client{
		http:     &http.Client{Transport: transport},
		opts:     opts,
		breakers: breakers,
		logger:   logger.With().Str("component", "http_client").Logger(),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the breaker registry for health reporting.
func (c *Client) Breakers() *BreakerSet { return c.breakers }

// GetJSON fetches rawURL and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	return c.do(ctx, http.MethodGet, rawURL, nil, out)
}

// GetRaw fetches rawURL and returns the undecoded body (capped at 4 MiB).
func (c *Client) GetRaw(ctx context.Context, rawURL string) ([]byte, error) {
	var body []byte
	if err := c.do(ctx, http.MethodGet, rawURL, nil, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// PostJSON posts body as JSON and decodes the response into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, rawURL, payload, out)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Permanent(fmt.Errorf("parse url: %w", err))
	}
	host := u.Host
	breaker := c.breakers.Get(host)

	retry := c.opts.Retry
	if retry.Notify == nil {
		retry.Notify = func(err error, d time.Duration) {
			c.logger.Debug().Err(err).Str("host", host).Dur("delay", d).Msg("retrying request")
		}
	}

	_, err = Retry(ctx, retry, func(ctx context.Context) (struct{}, error) {
		return Do(ctx, breaker, func(ctx context.Context) (struct{}, error) {
			if err := c.limiter(host).Wait(ctx); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, c.roundTrip(ctx, method, rawURL, body, out)
		})
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, rawURL string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.TotalTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: rawURL, Code: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxRawBody))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		*raw = b
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), c.opts.Burst)
		c.limiters[host] = l
	}
	return l
}
