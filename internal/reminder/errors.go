package reminder

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned synchronously for malformed schedules or payloads.
	ErrValidation = errors.New("validation failed")
	// ErrConflict means the reminder moved on (another worker, an owner edit).
	// Dispatch swallows it.
	ErrConflict = errors.New("reminder state conflict")
	ErrNotFound = errors.New("reminder not found")
	// ErrStoreUnavailable aborts a whole poll cycle.
	ErrStoreUnavailable = errors.New("reminder store unavailable")
)

// Invalid wraps a field problem as ErrValidation.
//
//	return reminder.Invalid("frequency", "unknown value %q", raw)
func Invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

// Unavailable wraps a backend connectivity error as ErrStoreUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
