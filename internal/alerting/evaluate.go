package alerting

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one observed price for an alert's symbol.
type Tick struct {
	Price         decimal.Decimal
	// ChangePercent is the move against the reference price; invalid when
	// no reference is known.
	ChangePercent decimal.NullDecimal
	Source        string
	At            time.Time
}

// Evaluate advances a against tick and reports whether it fired. It is
// pure; callers persist the returned alert.
func Evaluate(a Alert, tick Tick, now time.Time) (Alert, bool) {
	if !a.Enabled || !tick.Price.IsPositive() {
		return a, false
	}
	a.LastSeenPrice = decimal.NewNullDecimal(tick.Price)

	var state, edge bool
	switch {
	case a.Condition.Crossing():
		side := sideOf(tick.Price, a.Threshold)
		if side == SideUnknown {
			// On the threshold: nothing decisive happened.
			return a, false
		}
		target := SideAbove
		if a.Condition == CrossesBelow {
			target = SideBelow
		}
		edge = side == target && a.LastSide == -target
		a.LastSide = side
		state = side == target
	case a.Condition.Percent():
		if !tick.ChangePercent.Valid {
			return a, false
		}
		pct := tick.ChangePercent.Decimal
		if a.Condition == PercentMoveUp {
			state = pct.GreaterThanOrEqual(a.Threshold)
		} else {
			state = pct.LessThanOrEqual(a.Threshold.Abs().Neg())
		}
		edge = state && !a.LastConditionState
	case a.Condition == PriceAbove:
		state = tick.Price.GreaterThan(a.Threshold)
		edge = state && !a.LastConditionState
	case a.Condition == PriceBelow:
		state = tick.Price.LessThan(a.Threshold)
		edge = state && !a.LastConditionState
	default:
		return a, false
	}

	suppressed := edge && a.InCooldown(now)
	// A level edge swallowed by cooldown stays pending so the first tick
	// after cooldown can still fire it.
	if !(suppressed && !a.Condition.Crossing()) {
		a.LastConditionState = state
	}
	if !edge || suppressed {
		return a, false
	}

	fired := now
	until := now.Add(time.Duration(a.CooldownSeconds) * time.Second)
	a.LastTriggeredAt = &fired
	a.CooldownUntil = &until
	a.LastTriggerPrice = decimal.NewNullDecimal(tick.Price)
	a.LastTriggerSource = tick.Source
	if a.OneShot {
		a.Enabled = false
	}
	return a, true
}

func sideOf(price, threshold decimal.Decimal) Side {
	switch price.Cmp(threshold) {
	case 1:
		return SideAbove
	case -1:
		return SideBelow
	default:
		return SideUnknown
	}
}
