package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Location is a parsed breakpoint location.
// Either Function is set, or Line is set (with an optional File).
type Location struct {
	Function string
	File     string
	Line     int
}

// IsLine reports whether the location is a line breakpoint.
func (l Location) IsLine() bool {
	return l.Line > 0
}

// String returns the location in the form ParseLocation accepts.
func (l Location) String() string {
	switch {
	case !l.IsLine():
		return l.Function
	case l.File != "":
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	default:
		return strconv.Itoa(l.Line)
	}
}

// ParseLocation parses "fn", "mod.fn", "12" or "file:12".
func ParseLocation(loc string) (Location, error) {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return Location{}, fmt.Errorf("empty location: %w", ErrInvalidLocation)
	}

	if n, err := strconv.Atoi(loc); err == nil {
		if n < 1 {
			return Location{}, fmt.Errorf("line %d: %w", n, ErrInvalidLocation)
		}
		return Location{Line: n}, nil
	}

	if i := strings.LastIndex(loc, ":"); i >= 0 {
		file, lineText := loc[:i], loc[i+1:]
		n, err := strconv.Atoi(lineText)
		if err != nil || n < 1 || file == "" {
			return Location{}, fmt.Errorf("%q: %w", loc, ErrInvalidLocation)
		}
		return Location{File: file, Line: n}, nil
	}

	if strings.ContainsAny(loc, " \t") {
		return Location{}, fmt.Errorf("%q: %w", loc, ErrInvalidLocation)
	}
	return Location{Function: loc}, nil
}
