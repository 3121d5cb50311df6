package session

import (
	"errors"
	"fmt"
)

// ErrStartup indicates a session could not reach its entry point.
var ErrStartup = errors.New("session startup failed")

// StartupError reports that the entry breakpoint could not be set. It is
// fatal: the program is never resumed.
type StartupError struct {
	// Function is the configured entry function.
	Function string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("cannot start at %q: %v", e.Function, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStartup.
func (e *StartupError) Is(target error) bool {
	return target == ErrStartup
}
