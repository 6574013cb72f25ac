package alerting_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openbloom-market/internal/alerting"
	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

// hookedRepo runs a one-time hook before the wrapped Get or Update.
type hookedRepo struct {
	*alerting.MemoryRepository

	mu           sync.Mutex
	beforeGet    func()
	beforeUpdate func()
}

func (r *hookedRepo) take(fn *func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	hook := *fn
	*fn = nil
	return hook
}

func (r *hookedRepo) Get(ctx context.Context, id int64) (alerting.Alert, error) {
	if hook := r.take(&r.beforeGet); hook != nil {
		hook()
	}
	return r.MemoryRepository.Get(ctx, id)
}

func (r *hookedRepo) Update(ctx context.Context, a alerting.Alert, scope alerting.UpdateScope) (alerting.Alert, error) {
	if hook := r.take(&r.beforeUpdate); hook != nil {
		hook()
	}
	return r.MemoryRepository.Update(ctx, a, scope)
}

func quoteAt(clk *clock.Manual, symbol string, price float64) market.Quote {
	return market.Quote{Symbol: symbol, Price: price, ChangePercent: 0.1, Source: "stooq", AsOf: clk.Now()}
}

func TestUpdateKeepsStateWrittenByAnotherProcess(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	repo := &hookedRepo{MemoryRepository: alerting.NewMemoryRepository()}
	events := alerting.NewMemoryEventLog()
	// the owner's process has no evaluator of its own
	owner := alerting.NewManager(repo, events, nil, clk, alerting.ManagerOptions{})
	eval := alerting.NewEvaluator(repo, events, nil, clk, zerolog.Nop())

	v, err := owner.Create(ctx, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), OneShot: true})
	require.NoError(t, err)

	repo.beforeUpdate = func() {
		fired, err := eval.OnQuote(ctx, quoteAt(clk, "AAPL", 150))
		require.NoError(t, err)
		require.Len(t, fired, 1)
	}
	cooldown := 30
	updated, err := owner.Update(ctx, v.ID, alerting.UpdateInput{CooldownSeconds: &cooldown})
	require.NoError(t, err)

	assert.Equal(t, 30, updated.CooldownSeconds)
	assert.False(t, updated.Enabled, "fired one-shot stays disabled")
	require.NotNil(t, updated.LastTriggeredAt)
	require.NotNil(t, updated.CooldownUntil)
	assert.True(t, updated.LastConditionState)
}

func TestUpdateWaitsForInFlightEvaluation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	repo := &hookedRepo{MemoryRepository: alerting.NewMemoryRepository()}
	events := alerting.NewMemoryEventLog()
	eval := alerting.NewEvaluator(repo, events, nil, clk, zerolog.Nop())
	manager := alerting.NewManager(repo, events, eval, clk, alerting.ManagerOptions{})

	v, err := manager.Create(ctx, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), OneShot: true})
	require.NoError(t, err)

	done := make(chan []alerting.TriggerEvent, 1)
	repo.beforeGet = func() {
		go func() {
			fired, _ := eval.OnQuote(ctx, quoteAt(clk, "AAPL", 150))
			done <- fired
		}()
		select {
		case <-done:
			t.Error("evaluation ran while the update held the alert")
		case <-time.After(50 * time.Millisecond):
		}
	}
	cooldown := 30
	updated, err := manager.Update(ctx, v.ID, alerting.UpdateInput{CooldownSeconds: &cooldown})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)

	select {
	case fired := <-done:
		assert.Len(t, fired, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation never ran")
	}
	got, err := manager.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 30, got.CooldownSeconds)
}

func TestOwnerCanReenableFiredAlert(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	v := h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), OneShot: true})
	require.Len(t, h.feed(t, "AAPL", 101), 1)

	enabled := true
	updated, err := h.manager.Update(ctx, v.ID, alerting.UpdateInput{Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, updated.Enabled)
	require.NotNil(t, updated.LastTriggeredAt, "history is kept")
}

type failingStateRepo struct {
	*alerting.MemoryRepository
}

func (failingStateRepo) SaveState(context.Context, alerting.Alert) error {
	return errors.New("connection reset")
}

func TestFailedStateSaveLogsNoEvent(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	repo := failingStateRepo{alerting.NewMemoryRepository()}
	events := alerting.NewMemoryEventLog()
	eval := alerting.NewEvaluator(repo, events, nil, clk, zerolog.Nop())
	manager := alerting.NewManager(repo, events, eval, clk, alerting.ManagerOptions{})
	_, err := manager.Create(ctx, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100)})
	require.NoError(t, err)

	fired, err := eval.OnQuote(ctx, quoteAt(clk, "AAPL", 150))
	require.Error(t, err)
	assert.Empty(t, fired)

	logged, err := events.List(ctx, alerting.EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, logged)
}

// recorderRepo commits firings itself and counts them.
type recorderRepo struct {
	*alerting.MemoryRepository
	log      *alerting.MemoryEventLog
	recorded int
}

func (r *recorderRepo) RecordFiring(ctx context.Context, a alerting.Alert, ev alerting.TriggerEvent) (alerting.TriggerEvent, error) {
	if err := r.MemoryRepository.SaveState(ctx, a); err != nil {
		return alerting.TriggerEvent{}, err
	}
	r.recorded++
	return r.log.Append(ctx, ev)
}

func TestEvaluatorPrefersAtomicRecorder(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(t0)
	repo := &recorderRepo{MemoryRepository: alerting.NewMemoryRepository(), log: alerting.NewMemoryEventLog()}
	unused := alerting.NewMemoryEventLog()
	eval := alerting.NewEvaluator(repo, unused, nil, clk, zerolog.Nop())
	manager := alerting.NewManager(repo, repo.log, eval, clk, alerting.ManagerOptions{})
	v, err := manager.Create(ctx, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(100), OneShot: true})
	require.NoError(t, err)

	fired, err := eval.OnQuote(ctx, quoteAt(clk, "AAPL", 150))
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.EqualValues(t, 1, fired[0].ID)
	assert.Equal(t, 1, repo.recorded)

	other, err := unused.List(ctx, alerting.EventQuery{})
	require.NoError(t, err)
	assert.Empty(t, other)

	got, err := manager.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestEnabledSymbolsAreDistinct(t *testing.T) {
	h := newHarness()
	h.create(t, alerting.CreateInput{Symbol: "AAPL", Condition: alerting.PriceAbove, Threshold: threshold(1)})
	h.create(t, alerting.CreateInput{Symbol: "aapl", Condition: alerting.PriceBelow, Threshold: threshold(1)})
	h.create(t, alerting.CreateInput{Symbol: "spx index", Condition: alerting.PriceAbove, Threshold: threshold(1)})
	off := false
	h.create(t, alerting.CreateInput{Symbol: "MSFT", Condition: alerting.PriceAbove, Threshold: threshold(1), Enabled: &off})

	symbols, err := h.repo.EnabledSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "^GSPC"}, symbols)
}
