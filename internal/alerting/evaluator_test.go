package alerting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

var t0 = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type harness struct {
	clk      *clock.Manual
	repo     *alerting.MemoryRepository
	events   *alerting.MemoryEventLog
	notifier *recordingNotifier
	eval     *alerting.Evaluator
	manager  *alerting.Manager
}

func newHarness() *harness {
	h := &harness{
		clk:      clock.NewManual(t0),
		repo:     alerting.NewMemoryRepository(),
		events:   alerting.NewMemoryEventLog(),
		notifier: &recordingNotifier{},
	}
	h.eval = alerting.NewEvaluator(h.repo, h.events, h.notifier, h.clk, zerolog.Nop())
	h.manager = alerting.NewManager(h.repo, h.events, h.eval, h.clk, alerting.ManagerOptions{})
	return h
}

func (h *harness) create(t *testing.T, in alerting.CreateInput) alerting.View {
	t.Helper()
	v, err := h.manager.Create(context.Background(), in)
	require.NoError(t, err)
	return v
}

// feed pushes prices one second apart and returns the events fired.
func (h *harness) feed(t *testing.T, symbol string, prices ...float64) []alerting.TriggerEvent {
	t.Helper()
	var out []alerting.TriggerEvent
	for _, p := range prices {
		evs, err := h.eval.OnQuote(context.Background(), market.Quote{Symbol: symbol, Price: p, ChangePercent: 0.1, Source: "stooq", AsOf: h.clk.Now()})
		require.NoError(t, err)
		out = append(out, evs...)
		h.clk.Advance(time.Second)
	}
	return out
}

func threshold(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestCrossingFiresOnceOnTransition(t *testing.T) {
	h := newHarness()
	repeating := true
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.CrossesAbove, Threshold: threshold(100), Repeating: &repeating})

	fired := h.feed(t, "AAPL", 100, 101, 99, 102)

	require.Len(t, fired, 1)
	assert.True(t, fired[0].TriggerPrice.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, "AAPL", fired[0].Symbol)
	assert.Equal(t, alerting.CrossesAbove, fired[0].Condition)
}

func TestCrossingBelowIgnoresTouches(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "btc/usd", Condition: alerting.CrossesBelow, Threshold: threshold(60000)})

	fired := h.feed(t, "BTCUSD", 61000, 60000, 60500, 59000)

	require.Len(t, fired, 1)
	assert.Equal(t, "BTC-USD", fired[0].Symbol)
	assert.True(t, fired[0].TriggerPrice.Equal(decimal.NewFromInt(59000)))
}

func TestLevelConditionDoesNotRefireOnReplay(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100)})

	fired := h.feed(t, "AAPL", 101, 101, 102)
	assert.Len(t, fired, 1)
}

func TestLevelThresholdIsStrict(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceBelow, Threshold: threshold(100)})

	assert.Empty(t, h.feed(t, "AAPL", 100))
	assert.Len(t, h.feed(t, "AAPL", 99.99), 1)
}

func TestOneShotDisablesPermanently(t *testing.T) {
	h := newHarness()
	v := h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), OneShot: true})

	fired := h.feed(t, "AAPL", 101)
	require.Len(t, fired, 1)

	h.clk.Advance(time.Hour)
	assert.Empty(t, h.feed(t, "AAPL", 99, 105, 99, 110))

	got, err := h.manager.Get(context.Background(), v.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, alerting.StateInactive, got.TriggerState)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggerPrice.Decimal.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, "stooq", got.LastTriggerSource)
}

func TestRepeatingAlertRespectsCooldown(t *testing.T) {
	h := newHarness()
	cooldown := 60
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), CooldownSeconds: &cooldown})
	ctx := context.Background()
	quote := func(p float64) []alerting.TriggerEvent {
		evs, err := h.eval.OnQuote(ctx, market.Quote{Symbol: "AAPL", Price: p, Source: "yahoo"})
		require.NoError(t, err)
		return evs
	}

	require.Len(t, quote(101), 1)
	h.clk.Advance(10 * time.Second)
	assert.Empty(t, quote(99))
	h.clk.Advance(10 * time.Second)
	assert.Empty(t, quote(101), "edge inside cooldown is suppressed")
	h.clk.Advance(39 * time.Second)
	assert.Empty(t, quote(101), "59s after the trigger")
	h.clk.Advance(time.Second)
	assert.Len(t, quote(101), 1, "60s after the trigger")

	events, err := h.manager.Events(ctx, alerting.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, t0.Add(60*time.Second), events[0].TriggeredAt)
	assert.Equal(t, t0, events[1].TriggeredAt)
}

func TestPercentMoveUsesProviderChange(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "^GSPC", Condition: alerting.PercentMoveDown, Threshold: threshold(2)})
	ctx := context.Background()

	evs, err := h.eval.OnQuote(ctx, market.Quote{Symbol: "SPX Index", Price: 5200, Change: -80, ChangePercent: -1.5})
	require.NoError(t, err)
	assert.Empty(t, evs)

	evs, err = h.eval.OnQuote(ctx, market.Quote{Symbol: "^GSPC", Price: 5150, Change: -130, ChangePercent: -2.46})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestPercentMoveFallsBackToFirstPriceOfDay(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PercentMoveUp, Threshold: threshold(2)})

	fired := h.feed(t, "AAPL", 0, 0)
	assert.Empty(t, fired)

	ctx := context.Background()
	for _, p := range []float64{200, 203} {
		evs, err := h.eval.OnQuote(ctx, market.Quote{Symbol: "AAPL", Price: p, AsOf: h.clk.Now()})
		require.NoError(t, err)
		assert.Empty(t, evs)
	}
	evs, err := h.eval.OnQuote(ctx, market.Quote{Symbol: "AAPL", Price: 204.5, AsOf: h.clk.Now()})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestConcurrentQuotesFireOnce(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "ETH-USD", Condition: alerting.PriceAbove, Threshold: threshold(3000)})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eval.OnQuote(context.Background(), market.Quote{Symbol: "ETH-USD", Price: 3100, Source: "coingecko"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := h.manager.Events(context.Background(), alerting.EventQuery{Symbol: "eth/usd"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Len(t, h.notifier.notes, 1)
}

func TestOnSnapshotEvaluatesLiveRowsOnly(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "EURUSD", Condition: alerting.PriceAbove, Threshold: decimal.RequireFromString("1.05")})
	h.create(t, alerting.CreateInput{Symbol: "GBPUSD", Condition: alerting.PriceAbove, Threshold: decimal.RequireFromString("1.2")})

	evs, err := h.eval.OnSnapshot(context.Background(), market.SectionSnapshot{
		Section: market.FX,
		Quotes: []market.Quote{
			{Symbol: "EURUSD=X", Price: 1.08, Source: "stooq"},
			{Symbol: "GBPUSD=X", Price: 1.27, Source: "lkg:stooq", Stale: true},
		},
	})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "EURUSD=X", evs[0].Symbol)
}

func TestTriggerStateProgression(t *testing.T) {
	h := newHarness()
	cooldown := 300
	v := h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), CooldownSeconds: &cooldown})
	assert.Equal(t, alerting.StateArmed, v.TriggerState)

	h.feed(t, "AAPL", 101)
	state := func() alerting.TriggerState {
		got, err := h.manager.Get(context.Background(), v.ID)
		require.NoError(t, err)
		return got.TriggerState
	}
	assert.Equal(t, alerting.StateTriggered, state())

	h.clk.Advance(150 * time.Second)
	assert.Equal(t, alerting.StateCooldown, state())

	h.clk.Advance(200 * time.Second)
	assert.Equal(t, alerting.StateActive, state())
}
