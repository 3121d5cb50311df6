package double

import (
	"errors"
	"fmt"
)

// Errors returned by registry and injector operations.
var (
	// ErrResolution indicates a dotted path does not resolve to a live value.
	ErrResolution = errors.New("path does not resolve")

	// ErrAttributeNotFound indicates the install target is missing on its parent.
	ErrAttributeNotFound = errors.New("attribute not found")

	// ErrNotCallable indicates a forwarding double was requested for a value
	// that cannot be called.
	ErrNotCallable = errors.New("attribute is not callable")

	// ErrNoTarget indicates the engine exposes no object graph.
	ErrNoTarget = errors.New("engine exposes no object graph")
)

// ResolutionError reports a dotted path that could not be resolved.
type ResolutionError struct {
	// Path is the dotted path that failed.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("resolve %q: %v", e.Path, ErrResolution)
}

// Unwrap returns the underlying error.
func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrResolution.
func (e *ResolutionError) Is(target error) bool {
	return target == ErrResolution
}

// AttributeNotFoundError reports an install target missing on its parent.
type AttributeNotFoundError struct {
	// Path is the full dotted path that was requested.
	Path string
	// Parent is the dotted path of the parent ("" for the root namespace).
	Parent string
	// Attr is the missing attribute name.
	Attr string
}

// Error implements the error interface.
func (e *AttributeNotFoundError) Error() string {
	parent := e.Parent
	if parent == "" {
		parent = "<root>"
	}
	return fmt.Sprintf("%s does not define %q: %v", parent, e.Attr, ErrAttributeNotFound)
}

// Is reports whether target is ErrAttributeNotFound.
func (e *AttributeNotFoundError) Is(target error) bool {
	return target == ErrAttributeNotFound
}

// asResolutionError wraps err as a ResolutionError for path unless it already is one.
func asResolutionError(path string, err error) error {
	var re *ResolutionError
	if errors.As(err, &re) {
		return err
	}
	return &ResolutionError{Path: path, Err: err}
}
