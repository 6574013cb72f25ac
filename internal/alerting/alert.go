package alerting

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is the rule an alert evaluates against each quote.
type Condition string

const (
	PriceAbove      Condition = "price_above"
	PriceBelow      Condition = "price_below"
	CrossesAbove    Condition = "crosses_above"
	CrossesBelow    Condition = "crosses_below"
	PercentMoveUp   Condition = "percent_move_up"
	PercentMoveDown Condition = "percent_move_down"
)

// Conditions lists the supported conditions.
var Conditions = []Condition{PriceAbove, PriceBelow, CrossesAbove, CrossesBelow, PercentMoveUp, PercentMoveDown}

// Valid reports whether c is supported.
func (c Condition) Valid() bool {
	for _, known := range Conditions {
		if c == known {
			return true
		}
	}
	return false
}

// Crossing reports whether c fires on a threshold transition.
func (c Condition) Crossing() bool { return c == CrossesAbove || c == CrossesBelow }

// Percent reports whether the threshold is a percentage.
func (c Condition) Percent() bool { return c == PercentMoveUp || c == PercentMoveDown }

// Side is where the last decisive price sat relative to the threshold.
// Prices equal to the threshold are not decisive.
type Side int8

const (
	SideUnknown Side = 0
	SideBelow   Side = -1
	SideAbove   Side = 1
)

// ErrNotFound is returned for unknown alert ids.
var ErrNotFound = errors.New("alert not found")

// Alert is one user-defined price rule plus its evaluation state.
type Alert struct {
	ID              int64           `json:"id"`
	Symbol          string          `json:"symbol"`
	DisplaySymbol   string          `json:"displaySymbol"`
	InstrumentType  string          `json:"instrumentType"`
	Condition       Condition       `json:"condition"`
	Threshold       decimal.Decimal `json:"threshold"`
	Enabled         bool            `json:"enabled"`
	OneShot         bool            `json:"oneShot"`
	CooldownSeconds int             `json:"cooldownSeconds"`
	Source          string          `json:"source"`

	LastConditionState bool                `json:"lastConditionState"`
	LastSide           Side                `json:"lastSide"`
	LastSeenPrice      decimal.NullDecimal `json:"lastSeenPrice"`
	CooldownUntil      *time.Time          `json:"cooldownUntil,omitempty"`
	LastTriggeredAt    *time.Time          `json:"lastTriggeredAt,omitempty"`
	LastTriggerPrice   decimal.NullDecimal `json:"lastTriggerPrice"`
	LastTriggerSource  string              `json:"lastTriggerSource,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InCooldown reports whether the alert is suppressed at now.
func (a Alert) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && now.Before(*a.CooldownUntil)
}

// resetEvaluation clears state that depends on the rule definition.
func (a *Alert) resetEvaluation() {
	a.LastConditionState = false
	a.LastSide = SideUnknown
}

// TriggerState is the display state of an alert.
type TriggerState string

const (
	StateInactive  TriggerState = "inactive"
	StateTriggered TriggerState = "triggered"
	StateCooldown  TriggerState = "cooldown"
	StateActive    TriggerState = "active"
	StateArmed     TriggerState = "armed"
)

// ComputeTriggerState derives the display state. window is how long a fired
// alert shows as triggered.
func ComputeTriggerState(a Alert, now time.Time, window time.Duration) TriggerState {
	switch {
	case !a.Enabled:
		return StateInactive
	case a.LastTriggeredAt != nil && now.Sub(*a.LastTriggeredAt) <= window:
		return StateTriggered
	case a.InCooldown(now):
		return StateCooldown
	case a.LastConditionState:
		return StateActive
	default:
		return StateArmed
	}
}

// TriggerEvent is one append-only firing record. IDs increase monotonically.
type TriggerEvent struct {
	ID           int64           `json:"id"`
	AlertID      int64           `json:"alertId"`
	Symbol       string          `json:"symbol"`
	Condition    Condition       `json:"condition"`
	Threshold    decimal.Decimal `json:"threshold"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	Source       string          `json:"source,omitempty"`
	TriggeredAt  time.Time       `json:"triggeredAt"`
}
