package provider_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/breaker"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
	"openbloom-market/internal/provider"
	"openbloom-market/internal/ratelimit"
)

var testStart = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

type fakeSource struct {
	id string

	mu        sync.Mutex
	endpoints []string
	script    []error
	disabled  string
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) Fetch(_ context.Context, endpoint string, targets []market.Target) ([]market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([]market.Quote, 0, len(targets))
	for _, t := range targets {
		out = append(out, market.Quote{Symbol: t.Symbol, Price: 100, Source: f.id})
	}
	return out, nil
}

func (f *fakeSource) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.endpoints...)
}

type disabledSource struct{ fakeSource }

func (d *disabledSource) Disabled() (bool, string) { return true, "api key not configured" }

func serverError(id string, status int) error {
	return &provider.Error{Kind: provider.KindHTTP, Provider: id, Status: status}
}

func newTestClient(t *testing.T, src provider.Source, clk *clock.Manual, limiter *ratelimit.Registry, mutate func(*provider.Config)) *provider.Client {
	t.Helper()
	cfg := provider.Config{
		ID:      src.ID(),
		Timeout: time.Second,
		Retry:   provider.RetryPolicy{MaxRetries: 0, BaseDelay: 350 * time.Millisecond, MaxDelay: 4 * time.Second},
		Breaker: breaker.Settings{FailureThreshold: 3, Cooldown: 180 * time.Second},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return provider.NewClient(cfg, src, limiter, clk, zerolog.Nop(), provider.WithJitter(func() float64 { return 0 }))
}

func indexTargets() []market.Target { return market.Targets(market.Indices) }

func TestClientOpensCircuitAfterThreshold(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &fakeSource{id: "stooq", script: []error{
		serverError("stooq", http.StatusBadGateway),
		serverError("stooq", http.StatusBadGateway),
		serverError("stooq", http.StatusBadGateway),
	}}
	client := newTestClient(t, src, clk, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Fetch(ctx, indexTargets())
		require.ErrorIs(t, err, provider.ErrHTTP)
	}
	require.Len(t, src.calls(), 3)

	_, err := client.Fetch(ctx, indexTargets())
	require.ErrorIs(t, err, provider.ErrCircuitOpen)
	assert.Len(t, src.calls(), 3, "open circuit must not reach the source")

	h := client.Health()
	assert.Equal(t, provider.StatusCooldown, h.Status)
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, testStart.Add(180*time.Second), h.CooldownUntil)
	assert.EqualValues(t, 1, h.Skipped)

	clk.Advance(180 * time.Second)
	quotes, err := client.Fetch(ctx, indexTargets())
	require.NoError(t, err)
	assert.Len(t, quotes, 4)
	assert.Equal(t, breaker.Closed, client.BreakerStatus().State)
	assert.Equal(t, provider.StatusOK, client.Health().Status)
}

func TestClientRateLimitDoesNotCountAsFailure(t *testing.T) {
	clk := clock.NewManual(testStart)
	limiter := ratelimit.NewRegistry(map[string]ratelimit.Quota{"yahoo": {PerMinute: 1, Burst: 1}})
	src := &fakeSource{id: "yahoo"}
	client := newTestClient(t, src, clk, limiter, nil)

	_, err := client.Fetch(context.Background(), indexTargets())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = client.Fetch(context.Background(), indexTargets())
		require.ErrorIs(t, err, provider.ErrRateLimited)
		assert.False(t, provider.CountsAsFailure(err))
	}

	assert.Len(t, src.calls(), 1)
	st := client.BreakerStatus()
	assert.Equal(t, breaker.Closed, st.State)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.EqualValues(t, 5, client.Health().RateLimited)
	assert.EqualValues(t, 5, limiter.Stats("yahoo").Rejected)
}

func TestClientRetriesWithBackoff(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &fakeSource{id: "yahoo", script: []error{
		serverError("yahoo", http.StatusServiceUnavailable),
		serverError("yahoo", http.StatusServiceUnavailable),
	}}
	client := newTestClient(t, src, clk, nil, func(c *provider.Config) {
		c.Retry.MaxRetries = 2
		c.Breaker.FailureThreshold = 5
	})

	quotes, err := client.Fetch(context.Background(), indexTargets())
	require.NoError(t, err)
	assert.Len(t, quotes, 4)
	assert.Len(t, src.calls(), 3)
	assert.Equal(t, []time.Duration{350 * time.Millisecond, 700 * time.Millisecond}, clk.Sleeps())
	assert.Zero(t, client.Health().ConsecutiveFailures)
}

func TestClientFailsOverOnNonRetryableStatus(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &fakeSource{id: "yahoo", script: []error{serverError("yahoo", http.StatusNotFound)}}
	client := newTestClient(t, src, clk, nil, func(c *provider.Config) {
		c.Retry.MaxRetries = 2
		c.Endpoints = []string{"https://query1.example", "https://query2.example"}
	})

	_, err := client.Fetch(context.Background(), indexTargets())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://query1.example", "https://query2.example"}, src.calls())
	assert.Empty(t, clk.Sleeps())
}

type blockingSource struct {
	release chan struct{}
}

func (b *blockingSource) ID() string { return "slow" }

func (b *blockingSource) Fetch(context.Context, string, []market.Target) ([]market.Quote, error) {
	<-b.release
	return []market.Quote{{Symbol: "^GSPC", Price: 1}}, nil
}

func TestClientAbandonsCallOnTimeout(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &blockingSource{release: make(chan struct{})}
	t.Cleanup(func() { close(src.release) })

	client := newTestClient(t, src, clk, nil, func(c *provider.Config) {
		c.Timeout = 20 * time.Millisecond
	})

	started := time.Now()
	_, err := client.Fetch(context.Background(), indexTargets())
	require.ErrorIs(t, err, provider.ErrTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 1, client.BreakerStatus().ConsecutiveFailures)
}

func TestClientDisabledSource(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &disabledSource{fakeSource{id: "fred_api"}}
	client := newTestClient(t, src, clk, nil, nil)

	assert.Equal(t, provider.StatusDisabled, client.Health().Status)
	_, err := client.Fetch(context.Background(), market.Targets(market.Rates))
	require.ErrorIs(t, err, provider.ErrDisabled)
	assert.Empty(t, src.calls())
}

func TestClientEmptyPayloadIsParseFailure(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &fakeSource{id: "stooq"}
	client := newTestClient(t, src, clk, nil, nil)

	_, err := client.Fetch(context.Background(), nil)
	require.ErrorIs(t, err, provider.ErrParse)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "stooq", pe.Provider)
}

func TestRegistryHealthIncludesInternalTiers(t *testing.T) {
	clk := clock.NewManual(testStart)
	reg := provider.NewRegistry(clk)
	reg.Add(market.Indices, provider.RolePrimary, newTestClient(t, &fakeSource{id: "stooq"}, clk, nil, nil))
	reg.MarkInternal(provider.InternalLKG)

	health := reg.Health()
	ids := make([]string, 0, len(health))
	for _, h := range health {
		ids = append(ids, h.Provider)
	}
	assert.Equal(t, []string{"bootstrap", "lkg", "rates_defaults", "stooq"}, ids)
	assert.Equal(t, provider.StatusInternal, health[1].Status)
	assert.EqualValues(t, 1, health[1].SuccessCount)
	assert.Equal(t, "ok", provider.Overall(health))
}

// gatedSource blocks its first call until release is closed; every call
// fails with a retryable status.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (g *gatedSource) ID() string { return "stooq" }

func (g *gatedSource) Fetch(context.Context, string, []market.Target) ([]market.Quote, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return nil, serverError("stooq", http.StatusServiceUnavailable)
}

func (g *gatedSource) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestClientStopsRetryingOnceAnotherCallOpensCircuit(t *testing.T) {
	clk := clock.NewManual(testStart)
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	client := newTestClient(t, src, clk, nil, func(c *provider.Config) {
		c.Retry.MaxRetries = 3
		c.Breaker.FailureThreshold = 1
	})
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := client.Fetch(ctx, indexTargets())
		slow <- err
	}()
	<-src.entered

	_, err := client.Fetch(ctx, indexTargets())
	require.ErrorIs(t, err, provider.ErrHTTP)
	require.Equal(t, breaker.Open, client.BreakerStatus().State)

	close(src.release)
	select {
	case err = <-slow:
	case <-time.After(2 * time.Second):
		t.Fatal("slow call did not return")
	}
	require.ErrorIs(t, err, provider.ErrHTTP)
	assert.Equal(t, 2, src.count(), "no upstream calls while the circuit is open")
	assert.Equal(t, 1, client.BreakerStatus().ConsecutiveFailures)
}

func TestClientOpenCircuitKeepsRateLimitTokens(t *testing.T) {
	clk := clock.NewManual(testStart)
	limiter := ratelimit.NewRegistry(map[string]ratelimit.Quota{"stooq": {PerMinute: 1, Burst: 1}})
	src := &fakeSource{id: "stooq", script: []error{serverError("stooq", http.StatusBadGateway)}}
	client := newTestClient(t, src, clk, limiter, func(c *provider.Config) {
		c.Breaker.FailureThreshold = 1
	})
	ctx := context.Background()

	_, err := client.Fetch(ctx, indexTargets())
	require.ErrorIs(t, err, provider.ErrHTTP)
	for i := 0; i < 3; i++ {
		_, err = client.Fetch(ctx, indexTargets())
		require.ErrorIs(t, err, provider.ErrCircuitOpen)
	}

	stats := limiter.Stats("stooq")
	assert.EqualValues(t, 1, stats.Admitted)
	assert.Zero(t, stats.Rejected)
	assert.Zero(t, client.Health().RateLimited)
}

func TestClientRateLimitedHalfOpenCallIsReleased(t *testing.T) {
	clk := clock.NewManual(testStart)
	limiter := ratelimit.NewRegistry(map[string]ratelimit.Quota{"stooq": {PerMinute: 1, Burst: 1}})
	src := &fakeSource{id: "stooq", script: []error{serverError("stooq", http.StatusBadGateway)}}
	client := newTestClient(t, src, clk, limiter, func(c *provider.Config) {
		c.Breaker.FailureThreshold = 1
		c.Breaker.Cooldown = 10 * time.Second
	})
	ctx := context.Background()

	_, err := client.Fetch(ctx, indexTargets())
	require.ErrorIs(t, err, provider.ErrHTTP)

	clk.Advance(10 * time.Second)
	_, err = client.Fetch(ctx, indexTargets())
	require.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, breaker.Open, client.BreakerStatus().State, "a rejected half-open call must not hold the slot")

	clk.Advance(time.Minute)
	_, err = client.Fetch(ctx, indexTargets())
	require.NoError(t, err)
	assert.Equal(t, breaker.Closed, client.BreakerStatus().State)
	assert.Len(t, src.calls(), 2)
}
