package double

import (
	"fmt"

	"github.com/dshills/autodbg/internal/logging"
)

// Injector installs doubles into a Target and registers them.
type Injector struct {
	target   Target
	registry *Registry
	logger   *logging.Logger
}

// NewInjector creates an injector. Installed doubles are registered with
// registry so they are reported by CheckAll.
func NewInjector(target Target, registry *Registry, logger *logging.Logger) *Injector {
	if target == nil {
		target = Unavailable("no target configured")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Injector{
		target:   target,
		registry: registry,
		logger:   logger,
	}
}

// Install replaces the member at path with a new double.
//
// With keepFunctionality the double forwards every call to the original and
// returns its result; otherwise it returns the WithReturn value (nil unless
// configured) without calling the original. The async variant is selected
// when the original is asynchronous.
func (i *Injector) Install(path string, keepFunctionality bool, opts ...Option) (*Double, error) {
	parentPath, attr, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	parent, err := i.target.Resolve(parentPath)
	if err != nil {
		return nil, asResolutionError(parentPath, err)
	}

	members, ok := i.target.Members(parent)
	if !ok {
		return nil, &AttributeNotFoundError{Path: path, Parent: parentPath, Attr: attr}
	}
	current, ok := members[attr]
	if !ok || current == nil {
		return nil, &AttributeNotFoundError{Path: path, Parent: parentPath, Attr: attr}
	}

	orig, callable := i.target.Original(current)
	if keepFunctionality && !callable {
		return nil, fmt.Errorf("install %s: %w", path, ErrNotCallable)
	}

	d := fromOriginal(path, orig, keepFunctionality, opts...)
	if err := i.target.Assign(parent, attr, d); err != nil {
		return nil, fmt.Errorf("install %s: %w", path, err)
	}

	i.logger.Info("replaced %s with %s double (forwarding=%t)", path, d.Variant(), keepFunctionality)

	if i.registry != nil {
		if _, err := i.registry.Register(path); err != nil {
			return d, fmt.Errorf("register %s: %w", path, err)
		}
	}
	return d, nil
}
