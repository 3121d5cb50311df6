package session

import "github.com/dshills/autodbg/internal/engine"

// Mode decides how a pause ends once its report commands have run.
type Mode interface {
	// Resume returns the command that ends a pause of kind k, or "" to hand
	// control to the operator.
	Resume(k engine.PauseKind) string

	// String names the mode in logs.
	String() string
}

// Automated resumes the program at every pause. With AllLines every line
// of a called function is visited; otherwise only call boundaries and
// breakpoints stop the program.
type Automated struct {
	AllLines bool
}

// Resume implements Mode.
func (m Automated) Resume(k engine.PauseKind) string {
	switch k {
	case engine.PauseEntry:
		if m.AllLines {
			return "next"
		}
		return "continue"
	case engine.PauseLine:
		return "next"
	default:
		return "continue"
	}
}

func (m Automated) String() string {
	if m.AllLines {
		return "automated (all lines)"
	}
	return "automated"
}

// Interactive never resumes on its own; the operator does.
type Interactive struct{}

// Resume implements Mode.
func (Interactive) Resume(engine.PauseKind) string {
	return ""
}

func (Interactive) String() string {
	return "interactive"
}
