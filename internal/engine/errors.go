package engine

import "errors"

// Errors returned by engine operations.
var (
	// ErrQuit indicates the run ended because Quit was called or a handler
	// returned ActionQuit.
	ErrQuit = errors.New("debug session quit")

	// ErrNoSuchFunction indicates a function breakpoint names a function the
	// target program does not define.
	ErrNoSuchFunction = errors.New("no such function")

	// ErrInvalidLocation indicates a breakpoint location could not be parsed.
	ErrInvalidLocation = errors.New("invalid breakpoint location")

	// ErrRunning indicates Run was called while the engine is already running.
	ErrRunning = errors.New("engine is already running")

	// ErrClosed indicates the engine was closed.
	ErrClosed = errors.New("engine is closed")
)
