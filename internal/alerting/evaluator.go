package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

// Evaluator applies quotes to the alerts bound to their symbol. Evaluation
// of any one alert is serialized, so its events are strictly sequential.
type Evaluator struct {
	repo     Repository
	events   EventLog
	notifier Notifier
	clock    clock.Clock
	logger   zerolog.Logger

	locks sync.Map // alert id -> *sync.Mutex

	refMu sync.Mutex
	refs  map[string]dayReference
}

type dayReference struct {
	day   string
	price decimal.Decimal
}

// NewEvaluator wires the evaluator. notifier may be nil.
func NewEvaluator(repo Repository, events EventLog, notifier Notifier, clk clock.Clock, logger zerolog.Logger) *Evaluator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Evaluator{
		repo:     repo,
		events:   events,
		notifier: notifier,
		clock:    clk,
		logger:   logger.With().Str("component", "alert_evaluator").Logger(),
		refs:     map[string]dayReference{},
	}
}

// OnQuote evaluates every enabled alert bound to the quote's symbol and
// returns the events it appended.
func (e *Evaluator) OnQuote(ctx context.Context, q market.Quote) ([]TriggerEvent, error) {
	desc, err := market.Normalize(q.Symbol)
	if err != nil {
		return nil, &ValidationError{Field: "symbol", Message: err.Error()}
	}
	if q.Price <= 0 {
		return nil, nil
	}
	alerts, err := e.repo.EnabledForSymbol(ctx, desc.Canonical)
	if err != nil {
		return nil, fmt.Errorf("load alerts for %s: %w", desc.Canonical, err)
	}

	tick := e.tick(desc.Canonical, q)
	var fired []TriggerEvent
	for _, a := range alerts {
		ev, ok, err := e.evaluateOne(ctx, a.ID, tick)
		if err != nil {
			return fired, err
		}
		if ok {
			fired = append(fired, ev)
		}
	}
	return fired, nil
}

// OnSnapshot evaluates a section's quotes, one goroutine per symbol.
func (e *Evaluator) OnSnapshot(ctx context.Context, snap market.SectionSnapshot) ([]TriggerEvent, error) {
	results := make([][]TriggerEvent, len(snap.Quotes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, q := range snap.Quotes {
		if q.Stale {
			continue
		}
		g.Go(func() error {
			evs, err := e.OnQuote(gctx, q)
			results[i] = evs
			return err
		})
	}
	err := g.Wait()
	var out []TriggerEvent
	for _, evs := range results {
		out = append(out, evs...)
	}
	return out, err
}

func (e *Evaluator) evaluateOne(ctx context.Context, id int64, tick Tick) (TriggerEvent, bool, error) {
	mu := e.lock(id)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock so a concurrent tick's state is visible.
	current, err := e.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TriggerEvent{}, false, nil
		}
		return TriggerEvent{}, false, fmt.Errorf("load alert %d: %w", id, err)
	}
	next, fired := Evaluate(current, tick, e.clock.Now())

	if !fired {
		if err := e.repo.SaveState(ctx, next); err != nil {
			return TriggerEvent{}, false, fmt.Errorf("save alert %d state: %w", id, err)
		}
		return TriggerEvent{}, false, nil
	}
	ev, err := e.record(ctx, next, TriggerEvent{
		AlertID:      next.ID,
		Symbol:       next.Symbol,
		Condition:    next.Condition,
		Threshold:    next.Threshold,
		TriggerPrice: tick.Price,
		Source:       tick.Source,
		TriggeredAt:  *next.LastTriggeredAt,
	})
	if err != nil {
		return TriggerEvent{}, false, err
	}

	e.logger.Info().Int64("alert_id", id).
		Int64("event_id", ev.ID).
		Str("symbol", next.Symbol).
		Str("condition", string(next.Condition)).
		Str("price", tick.Price.String()).
		Msg("alert fired")
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, NewNotification(next, ev)); err != nil {
			e.logger.Warn().Err(err).Int64("alert_id", id).Msg("alert notification failed")
		}
	}
	return ev, true, nil
}

// record persists a firing. Without a transactional repository the state
// is saved first: a lost event is preferred over a duplicate firing.
func (e *Evaluator) record(ctx context.Context, a Alert, ev TriggerEvent) (TriggerEvent, error) {
	if rec, ok := e.repo.(FiringRecorder); ok {
		out, err := rec.RecordFiring(ctx, a, ev)
		if err != nil {
			return TriggerEvent{}, fmt.Errorf("record firing of alert %d: %w", a.ID, err)
		}
		return out, nil
	}
	if err := e.repo.SaveState(ctx, a); err != nil {
		return TriggerEvent{}, fmt.Errorf("save alert %d state: %w", a.ID, err)
	}
	out, err := e.events.Append(ctx, ev)
	if err != nil {
		return TriggerEvent{}, fmt.Errorf("append trigger event for alert %d: %w", a.ID, err)
	}
	return out, nil
}

func (e *Evaluator) lock(id int64) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Forget drops the lock of a deleted alert.
func (e *Evaluator) Forget(id int64) { e.locks.Delete(id) }

// tick converts a quote. The percent reference is the provider's change
// percent when it reports one, else the first price seen that UTC day.
func (e *Evaluator) tick(symbol string, q market.Quote) Tick {
	price := decimal.NewFromFloat(q.Price)
	at := q.AsOf
	if at.IsZero() {
		at = e.clock.Now()
	}
	t := Tick{Price: price, Source: q.Source, At: at}
	if q.ChangePercent != 0 || q.Change != 0 {
		t.ChangePercent = decimal.NewNullDecimal(decimal.NewFromFloat(q.ChangePercent))
		return t
	}

	day := at.UTC().Format(time.DateOnly)
	e.refMu.Lock()
	ref, ok := e.refs[symbol]
	if !ok || ref.day != day {
		ref = dayReference{day: day, price: price}
		e.refs[symbol] = ref
	}
	e.refMu.Unlock()
	if ref.price.IsPositive() {
		pct := price.Sub(ref.price).Div(ref.price).Mul(hundred)
		t.ChangePercent = decimal.NewNullDecimal(pct)
	}
	return t
}
