// Package broker implements the upstream REST client for candle batches.
// Numeric fields arrive as decimal strings and are parsed into
// arbitrary-precision decimals before anything downstream sees them.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"fxpipeline/internal/metrics"
	"fxpipeline/internal/model"
)

// MaxCandlesPerCall is the broker's hard cap on the count parameter.
const MaxCandlesPerCall = 5000

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 5
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 60 * time.Second
)

// Sides selects which quote sides the broker should return.
type Sides struct {
	Mid bool
	Bid bool
	Ask bool
}

// SidesMBA requests all three quote sides.
var SidesMBA = Sides{Mid: true, Bid: true, Ask: true}

// String renders the price query component, e.g. "MBA".
func (s Sides) String() string {
	out := ""
	if s.Mid {
		out += "M"
	}
	if s.Bid {
		out += "B"
	}
	if s.Ask {
		out += "A"
	}
	return out
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Tracked []string // instrument whitelist; empty disables validation

	// Requests per Window feed the process-wide token bucket.
	Requests int
	Window   time.Duration

	MaxAttempts int
	Timeout     time.Duration
	HTTPClient  *http.Client // optional override, mainly for tests
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
}

// Client issues authenticated candle requests with a shared token bucket,
// a circuit breaker, and bounded exponential backoff.
type Client struct {
	baseURL     string
	token       string
	tracked     map[string]bool
	httpc       *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	metrics     *metrics.Metrics
	log         zerolog.Logger
}

// New creates a Client. The bearer token is held in memory and never logged.
func New(opts Options) *Client {
	httpc := opts.HTTPClient
	if httpc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpc = &http.Client{Timeout: timeout}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	requests := opts.Requests
	if requests <= 0 {
		requests = 100
	}
	window := opts.Window
	if window <= 0 {
		window = time.Minute
	}
	var tracked map[string]bool
	if len(opts.Tracked) > 0 {
		tracked = make(map[string]bool, len(opts.Tracked))
		for _, name := range opts.Tracked {
			tracked[name] = true
		}
	}
	return &Client{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		tracked: tracked,
		httpc:   httpc,
		limiter: rate.NewLimiter(rate.Limit(float64(requests)/window.Seconds()), requests),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "broker",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		maxAttempts: maxAttempts,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepCtx,
		metrics:     opts.Metrics,
		log:         opts.Log.With().Str("component", "broker").Logger(),
	}
}

// FetchCandles returns up to count candles for the instrument, oldest first,
// as delivered by the broker. Incomplete (still-forming) candles are included
// and flagged; callers decide whether to persist them.
func (c *Client) FetchCandles(ctx context.Context, instrument string, granularity model.Granularity, count int, sides Sides) ([]model.Candle, error) {
	if c.tracked != nil && !c.tracked[instrument] {
		return nil, fmt.Errorf("%w: instrument %s not in tracked set", ErrBadRequest, instrument)
	}
	if !granularity.Valid() {
		return nil, fmt.Errorf("%w: invalid granularity %q", ErrBadRequest, granularity)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrBadRequest)
	}
	if count > MaxCandlesPerCall {
		count = MaxCandlesPerCall
	}
	if sides.String() == "" {
		return nil, fmt.Errorf("%w: at least one price side required", ErrBadRequest)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.BrokerRetries.Inc()
			}
			wait := c.backoff(attempt, lastErr)
			c.log.Warn().
				Str("instrument", instrument).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr).
				Msg("retrying candle fetch")
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		candles, err := c.fetchOnce(ctx, instrument, granularity, count, sides)
		if err == nil {
			return candles, nil
		}
		if !Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("candle fetch for %s exhausted %d attempts: %w", instrument, c.maxAttempts, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, instrument string, granularity model.Granularity, count int, sides Sides) ([]model.Candle, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, instrument, granularity, count, sides)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return out.([]model.Candle), nil
}

func (c *Client) doRequest(ctx context.Context, instrument string, granularity model.Granularity, count int, sides Sides) ([]model.Candle, error) {
	endpoint := fmt.Sprintf("%s/v3/instruments/%s/candles", c.baseURL, url.PathEscape(instrument))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	q := req.URL.Query()
	q.Set("count", strconv.Itoa(count))
	q.Set("granularity", string(granularity))
	q.Set("price", sides.String())
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	switch {
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	case res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrAuth, res.StatusCode)
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &rateLimitError{retryAfter: parseRetryAfter(res.Header.Get("Retry-After"))}
	case res.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrBadRequest, res.StatusCode, truncate(body, 200))
	}

	return parseCandles(body)
}

// backoff doubles from the base up to the cap; a server retry-after hint
// takes precedence when longer.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	wait := c.backoffBase << uint(attempt-1)
	if wait > c.backoffCap {
		wait = c.backoffCap
	}
	if hint := RetryAfter(lastErr); hint > wait {
		wait = hint
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// ── wire format ──

type candlesPayload struct {
	Instrument  string          `json:"instrument"`
	Granularity string          `json:"granularity"`
	Candles     []candlePayload `json:"candles"`
}

type candlePayload struct {
	Time     string       `json:"time"`
	Complete bool         `json:"complete"`
	Volume   int64        `json:"volume"`
	Bid      *ohlcPayload `json:"bid,omitempty"`
	Ask      *ohlcPayload `json:"ask,omitempty"`
	Mid      *ohlcPayload `json:"mid,omitempty"`
}

type ohlcPayload struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

func parseCandles(body []byte) ([]model.Candle, error) {
	var payload candlesPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	gran := model.Granularity(payload.Granularity)
	if !gran.Valid() {
		return nil, fmt.Errorf("%w: unknown granularity %q", ErrParse, payload.Granularity)
	}

	candles := make([]model.Candle, 0, len(payload.Candles))
	for _, raw := range payload.Candles {
		ts, err := time.Parse(time.RFC3339Nano, raw.Time)
		if err != nil {
			return nil, fmt.Errorf("%w: bad candle time %q: %v", ErrParse, raw.Time, err)
		}
		candle := model.Candle{
			Instrument:  payload.Instrument,
			Time:        ts.UTC(),
			Granularity: gran,
			Volume:      raw.Volume,
			Complete:    raw.Complete,
		}
		if candle.Bid, err = parseOHLC(raw.Bid); err != nil {
			return nil, err
		}
		if candle.Ask, err = parseOHLC(raw.Ask); err != nil {
			return nil, err
		}
		if candle.Mid, err = parseOHLC(raw.Mid); err != nil {
			return nil, err
		}
		candle.FillMid()
		if err := candle.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseOHLC(raw *ohlcPayload) (*model.OHLC, error) {
	if raw == nil {
		return nil, nil
	}
	var (
		out model.OHLC
		err error
	)
	if out.Open, err = decimal.NewFromString(raw.O); err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrParse, raw.O, err)
	}
	if out.High, err = decimal.NewFromString(raw.H); err != nil {
		return nil, fmt.Errorf("%w: high %q: %v", ErrParse, raw.H, err)
	}
	if out.Low, err = decimal.NewFromString(raw.L); err != nil {
		return nil, fmt.Errorf("%w: low %q: %v", ErrParse, raw.L, err)
	}
	if out.Close, err = decimal.NewFromString(raw.C); err != nil {
		return nil, fmt.Errorf("%w: close %q: %v", ErrParse, raw.C, err)
	}
	return &out, nil
}
