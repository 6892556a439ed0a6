// Package failure defines the error taxonomy shared by the harness components.
//
// Errors are classified with cockroachdb/errors marks so that callers can test
// the class with errors.Is regardless of how much context was wrapped on top:
//
//	errors.Is(err, failure.ErrFatal)        // abort the run
//	errors.Is(err, failure.ErrInconsistent) // confirmed divergence, the run's finding
package failure

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrFatal marks conditions that abort the whole run.
	ErrFatal = errors.New("fatal")
	// ErrRetriesExhausted marks a remote call that failed on every attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrTimeout marks a wall-clock bounded poll that never observed its condition.
	ErrTimeout = errors.New("timeout")
	// ErrStructural marks a scan ordering contract violation between nodes.
	ErrStructural = errors.New("structural mismatch")
	// ErrInconsistent marks a divergence that persisted through every check attempt.
	ErrInconsistent = errors.New("inconsistent")
)

// Fatalf returns a new error marked as fatal.
func Fatalf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrFatal)
}

// Fatal marks err as fatal. A nil error stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrFatal)
}

// Timeoutf returns a fatal timeout error.
func Timeoutf(format string, args ...any) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrTimeout), ErrFatal)
}

// Structuralf returns a fatal structural mismatch error.
func Structuralf(format string, args ...any) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrStructural), ErrFatal)
}

// Exhausted wraps the last error of a retry loop.
func Exhausted(err error, format string, args ...any) error {
	wrapped := errors.Wrapf(err, format, args...)
	return errors.Mark(errors.Mark(wrapped, ErrRetriesExhausted), ErrFatal)
}

// IsFatal reports whether err aborts the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// IsInconsistent reports whether err is a confirmed inconsistency.
func IsInconsistent(err error) bool {
	return errors.Is(err, ErrInconsistent)
}
