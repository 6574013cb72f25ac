package alerting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Cooldown bounds in seconds.
const (
	DefaultCooldownSeconds = 60
	MaxCooldownSeconds     = 24 * 60 * 60
)

var hundred = decimal.NewFromInt(100)

// ValidationError rejects a malformed request. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ValidateThreshold checks threshold against condition.
func ValidateThreshold(condition Condition, threshold decimal.Decimal) error {
	if !condition.Valid() {
		return invalid("condition", "unsupported alert condition %q", condition)
	}
	if !threshold.IsPositive() {
		return invalid("threshold", "must be greater than zero")
	}
	if condition.Percent() && threshold.GreaterThan(hundred) {
		return invalid("threshold", "percentage threshold must be <= 100")
	}
	return nil
}

// ResolveCooldown applies the default and bounds.
func ResolveCooldown(value *int, fallback int) (int, error) {
	v := fallback
	if value != nil {
		v = *value
	}
	if v < 0 {
		return 0, invalid("cooldownSeconds", "must be >= 0")
	}
	if v > MaxCooldownSeconds {
		return 0, invalid("cooldownSeconds", "too large (max %d)", MaxCooldownSeconds)
	}
	return v, nil
}

// resolveOneShot lets an explicit repeating flag override oneShot.
func resolveOneShot(oneShot bool, repeating *bool) bool {
	if repeating == nil {
		return oneShot
	}
	return !*repeating
}
