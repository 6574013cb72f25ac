package alerting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status filters alert listings.
type Status string

const (
	StatusAny      Status = ""
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Filter narrows Repository.List.
type Filter struct {
	Symbol string
	Status Status
}

// UpdateScope says which fields beyond the owner's config an Update may
// write. Evaluator-owned state is left alone unless ResetState is set.
type UpdateScope struct {
	// SetEnabled writes Alert.Enabled; otherwise the stored value stands.
	SetEnabled bool
	// ResetState clears the rule-dependent evaluation state.
	ResetState bool
}

// Repository persists alerts. List orders by UpdatedAt then ID, newest first.
type Repository interface {
	Create(ctx context.Context, a Alert) (Alert, error)
	Get(ctx context.Context, id int64) (Alert, error)
	// Update writes the config fields of a as limited by scope and returns
	// the stored row.
	Update(ctx context.Context, a Alert, scope UpdateScope) (Alert, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, f Filter) ([]Alert, error)
	// EnabledForSymbol returns enabled alerts for symbol ordered by ID.
	EnabledForSymbol(ctx context.Context, symbol string) ([]Alert, error)
	// EnabledSymbols returns the distinct symbols with an enabled alert,
	// sorted.
	EnabledSymbols(ctx context.Context) ([]string, error)
	// SaveState writes the evaluator-owned fields only.
	SaveState(ctx context.Context, a Alert) error
}

// FiringRecorder is implemented by repositories that can save a fired
// alert's state and append its event atomically.
type FiringRecorder interface {
	RecordFiring(ctx context.Context, a Alert, ev TriggerEvent) (TriggerEvent, error)
}

// EventQuery filters EventLog.List. With AfterID set, results are ascending
// from that id; otherwise newest first.
type EventQuery struct {
	Symbol  string
	AlertID int64
	AfterID *int64
	Limit   int
}

// Event list bounds.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 200
)

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventLimit
	case limit > MaxEventLimit:
		return MaxEventLimit
	default:
		return limit
	}
}

// EventLog is the append-only trigger history.
type EventLog interface {
	Append(ctx context.Context, ev TriggerEvent) (TriggerEvent, error)
	List(ctx context.Context, q EventQuery) ([]TriggerEvent, error)
}

// MemoryRepository keeps alerts in process memory.
type MemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	alerts map[int64]Alert
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{alerts: map[int64]Alert{}}
}

func (m *MemoryRepository) Create(_ context.Context, a Alert) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.alerts[a.ID] = a
	return a, nil
}

func (m *MemoryRepository) Get(_ context.Context, id int64) (Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryRepository) Update(_ context.Context, a Alert, scope UpdateScope) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok {
		return Alert{}, ErrNotFound
	}
	cur = withConfig(cur, a, scope)
	m.alerts[a.ID] = cur
	return cur, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]Alert, error) {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Symbol != "" && a.Symbol != f.Symbol {
			continue
		}
		if f.Status == StatusActive && !a.Enabled || f.Status == StatusInactive && a.Enabled {
			continue
		}
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryRepository) EnabledForSymbol(_ context.Context, symbol string) ([]Alert, error) {
	m.mu.RLock()
	var out []Alert
	for _, a := range m.alerts {
		if a.Enabled && a.Symbol == symbol {
			out = append(out, a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) EnabledSymbols(context.Context) ([]string, error) {
	m.mu.RLock()
	seen := map[string]struct{}{}
	for _, a := range m.alerts {
		if a.Enabled {
			seen[a.Symbol] = struct{}{}
		}
	}
	m.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRepository) SaveState(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.alerts[a.ID]
	if !ok {
		return ErrNotFound
	}
	m.alerts[a.ID] = withState(cur, a)
	return nil
}

// withState copies the evaluator-owned fields of src onto dst. The
// evaluator may disable an alert but never re-enables one.
func withState(dst, src Alert) Alert {
	dst.Enabled = dst.Enabled && src.Enabled
	dst.LastConditionState = src.LastConditionState
	dst.LastSide = src.LastSide
	dst.LastSeenPrice = src.LastSeenPrice
	dst.CooldownUntil = src.CooldownUntil
	dst.LastTriggeredAt = src.LastTriggeredAt
	dst.LastTriggerPrice = src.LastTriggerPrice
	dst.LastTriggerSource = src.LastTriggerSource
	return dst
}

// withConfig copies the owner-editable fields of src onto dst, the inverse
// of withState.
func withConfig(dst, src Alert, scope UpdateScope) Alert {
	dst.Symbol = src.Symbol
	dst.DisplaySymbol = src.DisplaySymbol
	dst.InstrumentType = src.InstrumentType
	dst.Condition = src.Condition
	dst.Threshold = src.Threshold
	dst.OneShot = src.OneShot
	dst.CooldownSeconds = src.CooldownSeconds
	dst.Source = src.Source
	dst.UpdatedAt = src.UpdatedAt
	if scope.SetEnabled {
		dst.Enabled = src.Enabled
	}
	if scope.ResetState {
		dst.resetEvaluation()
	}
	return dst
}

// MemoryEventLog keeps trigger events in process memory.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []TriggerEvent
}

func NewMemoryEventLog() *MemoryEventLog { return &MemoryEventLog{} }

func (m *MemoryEventLog) Append(_ context.Context, ev TriggerEvent) (TriggerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events)) + 1
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = time.Now().UTC()
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *MemoryEventLog) List(_ context.Context, q EventQuery) ([]TriggerEvent, error) {
	limit := ClampLimit(q.Limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	match := func(ev TriggerEvent) bool {
		return (q.Symbol == "" || ev.Symbol == q.Symbol) && (q.AlertID == 0 || ev.AlertID == q.AlertID)
	}
	var out []TriggerEvent
	if q.AfterID != nil {
		for _, ev := range m.events {
			if ev.ID > *q.AfterID && match(ev) {
				out = append(out, ev)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}
	for i := len(m.events) - 1; i >= 0; i-- {
		if match(m.events[i]) {
			out = append(out, m.events[i])
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ EventLog   = (*MemoryEventLog)(nil)
)
