package persistence

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrTimeout reports that a connection or transaction could not be
// obtained within the caller's deadline.
var ErrTimeout = errors.New("persistence: timed out waiting for database")

// ErrThrottled reports that ticket creation was refused by the
// sliding-window emergency brake.
var ErrThrottled = errors.New("persistence: ticket creation throttled")

// ValidationError rejects a write before it reaches the database. Field
// names the offending input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("persistence: invalid %s: %s", e.Field, e.Reason)
}

// IsTransient reports whether err is a retryable store condition: a
// busy or locked database, or a timeout waiting for one. Callers that
// must not lose a write branch to the fallback queue on these.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IntegrityError reports structural corruption detected in the store
// file. Findings holds the raw lines from the integrity check.
type IntegrityError struct {
	Path     string
	Findings []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("persistence: integrity check failed for %s (%d findings)", e.Path, len(e.Findings))
}
