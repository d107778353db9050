package scheduling

import (
	"errors"
	"fmt"
)

// Errors returned by the scheduling core.
var (
	ErrInvalidWindow                  = errors.New("invalid time window")
	ErrOutOfBounds                    = errors.New("division is outside the appointment slot")
	ErrZeroDuration                   = errors.New("division duration must be positive")
	ErrIncompleteAssignment           = errors.New("not every practitioner has a valid division")
	ErrUnknownPractitioner            = errors.New("practitioner is not assigned to this appointment")
	ErrSlotNoLongerAvailable          = errors.New("slot is no longer available")
	ErrExternalIntegrationUnavailable = errors.New("external calendar integration unavailable")
	ErrInvalidTransition              = errors.New("invalid appointment status transition")
	ErrRuleOverlap                    = errors.New("availability rule overlaps an existing rule")
	ErrNotFound                       = errors.New("not found")
)

// ConfigurationError reports an invalid combination of caller-supplied
// parameters. It is always raised before any store access.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string {
	return e.msg
}

func configError(format string, args ...interface{}) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsDivisionError reports whether err is one of the slot division validation
// failures a caller can fix by adjusting input.
func IsDivisionError(err error) bool {
	return errors.Is(err, ErrOutOfBounds) ||
		errors.Is(err, ErrZeroDuration) ||
		errors.Is(err, ErrIncompleteAssignment) ||
		errors.Is(err, ErrUnknownPractitioner)
}
