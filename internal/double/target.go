package double

import (
	"fmt"
	"strings"
)

// Target is the live object graph of the debugged program.
//
// Implementations hand doubles back as *Double (not as their runtime
// wrapper) from Resolve and Members, so the Recorder capability check works
// on whatever the graph returns.
type Target interface {
	// Resolve returns the value at a dotted path. The empty path is the
	// root namespace.
	Resolve(path string) (any, error)

	// Members returns the externally visible members of v. ok is false when
	// v has no members (it is not a module, table or object).
	Members(v any) (members map[string]any, ok bool)

	// Original returns v as a callable. ok is false when v is not callable.
	Original(v any) (orig Original, ok bool)

	// Assign replaces member name of parent with d.
	Assign(parent any, name string, d *Double) error
}

// Original is a callable member as found in the target program.
// Exactly one of Func and Async is set.
type Original struct {
	Func  Func
	Async AsyncFunc
}

// IsAsync reports whether the original must be awaited.
func (o Original) IsAsync() bool {
	return o.Async != nil
}

// SplitPath splits "a.b.c" into parent "a.b" and attribute "c".
// A path without dots has the root namespace ("") as parent.
func SplitPath(path string) (parent, attr string, err error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", "", &ResolutionError{Path: path, Err: fmt.Errorf("empty path: %w", ErrResolution)}
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
		return "", "", &ResolutionError{Path: path, Err: fmt.Errorf("malformed path: %w", ErrResolution)}
	}

	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", path, nil
	}
	return path[:i], path[i+1:], nil
}

// SplitList splits a comma separated list of dotted paths, dropping blanks.
func SplitList(list string) []string {
	var out []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// unavailable is a Target for engines without an object graph.
type unavailable struct {
	reason string
}

// Unavailable returns a Target whose every resolution fails with
// ErrNoTarget. reason is included in the error.
func Unavailable(reason string) Target {
	return unavailable{reason: reason}
}

func (u unavailable) Resolve(path string) (any, error) {
	return nil, &ResolutionError{Path: path, Err: fmt.Errorf("%s: %w", u.reason, ErrNoTarget)}
}

func (u unavailable) Members(any) (map[string]any, bool) {
	return nil, false
}

func (u unavailable) Original(any) (Original, bool) {
	return Original{}, false
}

func (u unavailable) Assign(parent any, name string, _ *Double) error {
	return fmt.Errorf("assign %s: %s: %w", name, u.reason, ErrNoTarget)
}
