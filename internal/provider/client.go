package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"openbloom-market/internal/breaker"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/ratelimit"
)

// Source performs one upstream call against one endpoint. An empty
// endpoint selects the source's built-in default.
type Source interface {
	ID() string
	Fetch(ctx context.Context, endpoint string, targets []market.Target) ([]market.Quote, error)
}

// Disabler is implemented by sources that need credentials or an RPC URL.
type Disabler interface {
	Disabled() (bool, string)
}

// Config is the immutable per-provider configuration.
type Config struct {
	ID        string
	Timeout   time.Duration
	Retry     RetryPolicy
	Endpoints []string
	Breaker   breaker.Settings
}

// Client gates a Source behind the rate limiter and circuit breaker and
// applies timeouts, retries and endpoint failover.
type Client struct {
	cfg     Config
	source  Source
	limiter *ratelimit.Registry
	breaker *breaker.Breaker
	clock   clock.Clock
	jitter  func() float64
	health  *tracker
	logger  zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithJitter overrides the jitter sample source.
func WithJitter(fn func() float64) Option {
	return func(c *Client) { c.jitter = fn }
}

// NewClient wires a source to its guards.
func NewClient(cfg Config, source Source, limiter *ratelimit.Registry, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.ID == "" {
		cfg.ID = source.ID()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if limiter == nil {
		limiter = ratelimit.NewRegistry(nil)
	}
	endpoints := make([]string, len(cfg.Endpoints))
	copy(endpoints, cfg.Endpoints)
	cfg.Endpoints = endpoints

	c := &Client{
		cfg:     cfg,
		source:  source,
		limiter: limiter,
		breaker: breaker.New(cfg.Breaker),
		clock:   clk,
		jitter:  rand.Float64,
		health:  newTracker(cfg.ID, StatusUnknown),
		logger:  logger.With().Str("component", "provider").Str("provider", cfg.ID).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if disabled, reason := c.disabled(); disabled {
		c.health.disabled(reason)
	}
	return c
}

// ID returns the provider id.
func (c *Client) ID() string { return c.cfg.ID }

// Config returns the provider configuration.
func (c *Client) Config() Config { return c.cfg }

// Health returns a copy of the provider's counters as of now.
func (c *Client) Health() Health {
	h := c.health.snapshot()
	st := c.breaker.Status()
	now := c.clock.Now()
	if h.Status == StatusCooldown && !now.Before(st.CooldownUntil) {
		h.Status = StatusDegraded
	}
	return h
}

// BreakerStatus exposes the circuit state.
func (c *Client) BreakerStatus() breaker.Status { return c.breaker.Status() }

// Fetch resolves targets. Rate-limit rejections, open circuits and disabled
// providers return immediately without network I/O.
func (c *Client) Fetch(ctx context.Context, targets []market.Target) ([]market.Quote, error) {
	return execute(ctx, c, func(callCtx context.Context, endpoint string) ([]market.Quote, error) {
		quotes, err := c.source.Fetch(callCtx, endpoint, targets)
		if err == nil && len(quotes) == 0 {
			return nil, parseError(c.cfg.ID, "empty payload")
		}
		return quotes, err
	})
}

// FetchSeries loads an intraday series through the same guards as Fetch.
// The source must implement SeriesSource.
func (c *Client) FetchSeries(ctx context.Context, d market.Descriptor) (Series, error) {
	ss, ok := c.source.(SeriesSource)
	if !ok {
		return Series{}, &Error{Kind: KindDisabled, Provider: c.cfg.ID, Detail: "intraday not supported"}
	}
	return execute(ctx, c, func(callCtx context.Context, endpoint string) (Series, error) {
		series, err := ss.FetchSeries(callCtx, endpoint, d)
		if err == nil && len(series.Points) == 0 {
			return Series{}, parseError(c.cfg.ID, "empty series")
		}
		return series, err
	})
}

// execute runs call under the client's admission, retry and failover rules.
func execute[T any](ctx context.Context, c *Client, call func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var zero T
	if disabled, reason := c.disabled(); disabled {
		c.health.disabled(reason)
		return zero, &Error{Kind: KindDisabled, Provider: c.cfg.ID, Detail: reason}
	}

	// The breaker decides first so short-circuited calls keep their quota.
	now := c.clock.Now()
	decision := c.breaker.Allow(now)
	if decision == breaker.Skip {
		c.health.skipped()
		until := c.breaker.Status().CooldownUntil
		return zero, &Error{Kind: KindCircuitOpen, Provider: c.cfg.ID, Detail: "cooldown until " + until.Format(time.RFC3339)}
	}

	if !c.limiter.Admit(c.cfg.ID, now) {
		if decision == breaker.Probe {
			c.breaker.Release()
		}
		c.health.rateLimited()
		c.logger.Debug().Msg("call rejected by rate limiter")
		return zero, &Error{Kind: KindRateLimited, Provider: c.cfg.ID}
	}

	out, err := run(ctx, c, decision, call)
	if err != nil && decision == breaker.Probe && ctx.Err() != nil {
		c.breaker.Release()
	}
	return out, err
}

// stillAdmitted reports whether a call admitted with decision may keep
// retrying while the circuit is in state.
func stillAdmitted(state breaker.State, decision breaker.Decision) bool {
	switch state {
	case breaker.Closed:
		return true
	case breaker.HalfOpen:
		return decision == breaker.Probe
	default:
		return false
	}
}

func run[T any](ctx context.Context, c *Client, decision breaker.Decision, call func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var zero T
	endpoints := c.cfg.Endpoints
	if len(endpoints) == 0 {
		endpoints = []string{""}
	}

	var lastErr error
	for _, endpoint := range endpoints {
		for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
			if attempt > 0 {
				delay := Backoff(c.cfg.Retry, attempt, c.jitter())
				if err := c.clock.Sleep(ctx, delay); err != nil {
					return zero, lastErr
				}
			}
			// Another call may have opened the circuit since this one was
			// admitted; stop before touching the network again.
			if lastErr != nil && !stillAdmitted(c.breaker.Status().State, decision) {
				c.logger.Debug().Str("endpoint", endpoint).Msg("circuit opened by another call, abandoning retries")
				return zero, lastErr
			}

			out, err := callOnce(ctx, c, endpoint, call)
			if err == nil {
				c.breaker.Success()
				c.health.success(c.clock.Now())
				return out, nil
			}
			if ctx.Err() != nil {
				// caller gave up; not the provider's fault
				return zero, err
			}

			lastErr = err
			failedAt := c.clock.Now()
			opened := c.breaker.Failure(failedAt)
			st := c.breaker.Status()
			var cooldownUntil time.Time
			if st.State == breaker.Open {
				cooldownUntil = st.CooldownUntil
			}
			c.health.failure(failedAt, err, st.ConsecutiveFailures, cooldownUntil)

			event := c.logger.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt+1)
			if opened {
				event.Time("cooldown_until", cooldownUntil).Msg("provider circuit opened")
				return zero, lastErr
			}
			event.Msg("provider attempt failed")

			if !IsRetryable(err) {
				break
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%s: no endpoints attempted", c.cfg.ID)
	}
	return zero, lastErr
}

type attemptResult[T any] struct {
	out T
	err error
}

// callOnce runs one timeout-bounded call. On timeout the in-flight call is
// abandoned and its result discarded.
func callOnce[T any](ctx context.Context, c *Client, endpoint string, call func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		out, err := call(callCtx, endpoint)
		done <- attemptResult[T]{out: out, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &Error{Kind: KindTimeout, Provider: c.cfg.ID, Detail: fmt.Sprintf("no response within %s", c.cfg.Timeout)}
	case res := <-done:
		if res.err != nil {
			return zero, c.classify(res.err)
		}
		return res.out, nil
	}
}

func (c *Client) classify(err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			cp := *pe
			cp.Provider = c.cfg.ID
			return &cp
		}
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, c.cfg.ID, err)
	}
	return newError(KindHTTP, c.cfg.ID, err)
}

func (c *Client) disabled() (bool, string) {
	if d, ok := c.source.(Disabler); ok {
		return d.Disabled()
	}
	return false, ""
}
