package engine

import (
	"context"

	"github.com/dshills/autodbg/internal/diff"
	"github.com/dshills/autodbg/internal/double"
)

// PauseKind is the kind of event that suspended the program.
type PauseKind int

const (
	// PauseEntry is delivered when a function is entered.
	PauseEntry PauseKind = iota
	// PauseLine is delivered before a source line runs.
	PauseLine
	// PauseReturn is delivered before a function returns.
	PauseReturn
)

// String returns a string representation of the pause kind.
func (k PauseKind) String() string {
	switch k {
	case PauseEntry:
		return "entry"
	case PauseLine:
		return "line"
	case PauseReturn:
		return "return"
	default:
		return "unknown"
	}
}

// Pause describes where the program is suspended.
type Pause struct {
	// Kind is the event that caused the pause.
	Kind PauseKind

	// Function is the name of the paused function ("" at top level).
	Function string

	// Source is the script the paused code belongs to.
	Source string

	// Line is the 1-based line about to run (or the function's first line
	// for PauseEntry).
	Line int

	// Depth is the number of active frames of the target program.
	// Top-level code has depth 1.
	Depth int

	// Reason is the engine's description of the pause ("breakpoint",
	// "step", "entry").
	Reason string
}

// Frame gives read access to the paused frame.
// A Frame is only valid until the handler returns.
type Frame interface {
	// Args returns the paused function's parameters.
	Args() (diff.Snapshot, error)

	// Locals returns every local binding visible in the paused frame,
	// parameters included.
	Locals() (diff.Snapshot, error)

	// Globals returns the program's global bindings.
	Globals() (diff.Snapshot, error)

	// Eval evaluates expr in the paused frame and returns its rendering.
	Eval(expr string) (string, error)
}

// Action tells the engine how to resume after a pause.
type Action int

const (
	// ActionContinue runs until the next breakpoint.
	ActionContinue Action = iota
	// ActionNext runs until the next line at the same or a shallower depth.
	ActionNext
	// ActionStep stops at the next event of any kind.
	ActionStep
	// ActionReturn runs until the current function returns.
	ActionReturn
	// ActionQuit abandons the program.
	ActionQuit
)

// String returns a string representation of the action.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionNext:
		return "next"
	case ActionStep:
		return "step"
	case ActionReturn:
		return "return"
	case ActionQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Handler reacts to pauses. OnPause runs on the goroutine that called Run
// and execution stays suspended until it returns.
type Handler interface {
	OnPause(ctx context.Context, p Pause, f Frame) Action
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, p Pause, f Frame) Action

// OnPause calls fn.
func (fn HandlerFunc) OnPause(ctx context.Context, p Pause, f Frame) Action {
	return fn(ctx, p, f)
}

// Engine runs a target program under debugger control.
type Engine interface {
	// SetBreakpoint sets a breakpoint at loc (see ParseLocation).
	// Temporary breakpoints are removed when first hit. A function that the
	// program does not define yields ErrNoSuchFunction.
	SetBreakpoint(loc string, temporary bool) error

	// Run starts the program, resuming it with first, and delivers every
	// pause to h until the program ends. It returns nil when the program
	// finished, ErrQuit after Quit, or the program's error.
	Run(ctx context.Context, first Action, h Handler) error

	// Quit stops the program. It is safe to call from any goroutine, before,
	// during or after Run, and more than once. A pause in progress is not
	// interrupted; no further pause is delivered after Quit returns.
	Quit()

	// Target returns the program's object graph when the engine exposes one.
	Target() (double.Target, bool)

	// Close releases the engine's resources.
	Close() error
}
