package alerting

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"openbloom-market/internal/clock"
	"openbloom-market/internal/market"
)

// SourceManual marks alerts created through the API.
const SourceManual = "manual"

// CreateInput is an owner's request for a new alert.
type CreateInput struct {
	Symbol          string          `json:"symbol"`
	Condition       Condition       `json:"condition"`
	Threshold       decimal.Decimal `json:"threshold"`
	Enabled         *bool           `json:"enabled,omitempty"`
	OneShot         bool            `json:"oneShot"`
	Repeating       *bool           `json:"repeating,omitempty"`
	CooldownSeconds *int            `json:"cooldownSeconds,omitempty"`
	Source          string          `json:"source,omitempty"`
}

// UpdateInput patches the config fields that are set.
type UpdateInput struct {
	Symbol          *string          `json:"symbol,omitempty"`
	Condition       *Condition       `json:"condition,omitempty"`
	Threshold       *decimal.Decimal `json:"threshold,omitempty"`
	Enabled         *bool            `json:"enabled,omitempty"`
	OneShot         *bool            `json:"oneShot,omitempty"`
	Repeating       *bool            `json:"repeating,omitempty"`
	CooldownSeconds *int             `json:"cooldownSeconds,omitempty"`
	Source          *string          `json:"source,omitempty"`
}

// View is an alert with its display state.
type View struct {
	Alert
	TriggerState TriggerState `json:"triggerState"`
	InCooldown   bool         `json:"inCooldown"`
}

// ManagerOptions tune defaults.
type ManagerOptions struct {
	DefaultCooldownSeconds int
	// TriggerWindow is how long a fired alert displays as triggered.
	TriggerWindow time.Duration
}

// Manager owns the config fields of alerts and serves the event history.
type Manager struct {
	repo      Repository
	events    EventLog
	evaluator *Evaluator
	clock     clock.Clock
	opts      ManagerOptions
}

// NewManager builds a manager. evaluator may be nil.
func NewManager(repo Repository, events EventLog, evaluator *Evaluator, clk clock.Clock, opts ManagerOptions) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.DefaultCooldownSeconds <= 0 || opts.DefaultCooldownSeconds > MaxCooldownSeconds {
		opts.DefaultCooldownSeconds = DefaultCooldownSeconds
	}
	if opts.TriggerWindow < 5*time.Second {
		opts.TriggerWindow = 120 * time.Second
	}
	return &Manager{repo: repo, events: events, evaluator: evaluator, clock: clk, opts: opts}
}

func normalizeSymbol(raw string) (market.Descriptor, error) {
	desc, err := market.Normalize(raw)
	if err != nil {
		return market.Descriptor{}, &ValidationError{Field: "symbol", Message: err.Error()}
	}
	return desc, nil
}

// Create validates and stores a new alert.
func (m *Manager) Create(ctx context.Context, in CreateInput) (View, error) {
	desc, err := normalizeSymbol(in.Symbol)
	if err != nil {
		return View{}, err
	}
	if err := ValidateThreshold(in.Condition, in.Threshold); err != nil {
		return View{}, err
	}
	cooldown, err := ResolveCooldown(in.CooldownSeconds, m.opts.DefaultCooldownSeconds)
	if err != nil {
		return View{}, err
	}
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = SourceManual
	}

	now := m.clock.Now().UTC()
	a, err := m.repo.Create(ctx, Alert{
		Symbol:          desc.Canonical,
		DisplaySymbol:   desc.DisplaySymbol,
		InstrumentType:  desc.InstrumentType,
		Condition:       in.Condition,
		Threshold:       in.Threshold,
		Enabled:         enabled,
		OneShot:         resolveOneShot(in.OneShot, in.Repeating),
		CooldownSeconds: cooldown,
		Source:          source,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return View{}, err
	}
	return m.view(a), nil
}

// Update applies a patch. Changing the symbol, condition or threshold
// resets the evaluation state.
func (m *Manager) Update(ctx context.Context, id int64, in UpdateInput) (View, error) {
	// Hold the evaluator's lock so a tick cannot land between the read and
	// the write. The repository merge covers other processes.
	if m.evaluator != nil {
		mu := m.evaluator.lock(id)
		mu.Lock()
		defer mu.Unlock()
	}

	a, err := m.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}

	reset := false
	if in.Symbol != nil {
		desc, err := normalizeSymbol(*in.Symbol)
		if err != nil {
			return View{}, err
		}
		reset = reset || desc.Canonical != a.Symbol
		a.Symbol = desc.Canonical
		a.DisplaySymbol = desc.DisplaySymbol
		a.InstrumentType = desc.InstrumentType
	}
	if in.Source != nil {
		a.Source = strings.TrimSpace(*in.Source)
		if a.Source == "" {
			a.Source = SourceManual
		}
	}

	condition, threshold := a.Condition, a.Threshold
	if in.Condition != nil {
		condition = *in.Condition
	}
	if in.Threshold != nil {
		threshold = *in.Threshold
	}
	if err := ValidateThreshold(condition, threshold); err != nil {
		return View{}, err
	}
	reset = reset || condition != a.Condition || !threshold.Equal(a.Threshold)
	a.Condition, a.Threshold = condition, threshold

	if in.Enabled != nil {
		a.Enabled = *in.Enabled
	}
	if in.CooldownSeconds != nil {
		cooldown, err := ResolveCooldown(in.CooldownSeconds, m.opts.DefaultCooldownSeconds)
		if err != nil {
			return View{}, err
		}
		a.CooldownSeconds = cooldown
	}
	if in.OneShot != nil || in.Repeating != nil {
		oneShot := a.OneShot
		if in.OneShot != nil {
			oneShot = *in.OneShot
		}
		a.OneShot = resolveOneShot(oneShot, in.Repeating)
	}
	a.UpdatedAt = m.clock.Now().UTC()

	a, err = m.repo.Update(ctx, a, UpdateScope{SetEnabled: in.Enabled != nil, ResetState: reset})
	if err != nil {
		return View{}, err
	}
	return m.view(a), nil
}

// Delete removes an alert. Its events are kept.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	if m.evaluator != nil {
		m.evaluator.Forget(id)
	}
	return nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id int64) (View, error) {
	a, err := m.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return m.view(a), nil
}

// List returns alerts matching the filter, most recently updated first.
func (m *Manager) List(ctx context.Context, symbol string, status Status) ([]View, error) {
	f := Filter{Status: status}
	switch status {
	case StatusAny, StatusActive, StatusInactive:
	default:
		return nil, &ValidationError{Field: "status", Message: "must be active or inactive"}
	}
	if strings.TrimSpace(symbol) != "" {
		desc, err := normalizeSymbol(symbol)
		if err != nil {
			return nil, err
		}
		f.Symbol = desc.Canonical
	}
	alerts, err := m.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, m.view(a))
	}
	return out, nil
}

// Events pages the trigger history.
func (m *Manager) Events(ctx context.Context, q EventQuery) ([]TriggerEvent, error) {
	if strings.TrimSpace(q.Symbol) != "" {
		desc, err := normalizeSymbol(q.Symbol)
		if err != nil {
			return nil, err
		}
		q.Symbol = desc.Canonical
	}
	if q.AfterID != nil && *q.AfterID < 0 {
		return nil, &ValidationError{Field: "afterId", Message: "must be >= 0"}
	}
	q.Limit = ClampLimit(q.Limit)
	events, err := m.events.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []TriggerEvent{}
	}
	return events, nil
}

func (m *Manager) view(a Alert) View {
	now := m.clock.Now()
	return View{
		Alert:        a,
		TriggerState: ComputeTriggerState(a, now, m.opts.TriggerWindow),
		InCooldown:   a.Enabled && a.InCooldown(now),
	}
}
