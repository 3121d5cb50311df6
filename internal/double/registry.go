package double

import (
	"errors"
	"sort"
	"sync"

	"github.com/dshills/autodbg/internal/logging"
)

// Registration is a dotted path whose doubles are reported at every check.
type Registration struct {
	// Path is the registered dotted path.
	Path string
}

// Found is a double discovered under a registered path.
type Found struct {
	// Name is the qualified dotted name of the double.
	Name string
	// Double is the recorder found there.
	Double Recorder
}

// Report lists the calls a double received since the previous check.
type Report struct {
	Name  string
	Calls []Call
}

// Registry tracks registered paths and per-double call cursors.
type Registry struct {
	target Target
	logger *logging.Logger

	mu      sync.Mutex
	regs    map[string]*Registration
	order   []string
	cursors map[string]cursor
}

// cursor counts the calls of one recorder that were already reported.
type cursor struct {
	rec Recorder
	n   int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry that resolves paths against target.
// A nil target behaves like Unavailable.
func NewRegistry(target Target, opts ...RegistryOption) *Registry {
	if target == nil {
		target = Unavailable("no target configured")
	}
	r := &Registry{
		target:  target,
		logger:  logging.Nop(),
		regs:    make(map[string]*Registration),
		cursors: make(map[string]cursor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds path to the registry. The path must resolve; a path that is
// already registered returns the existing registration.
func (r *Registry) Register(path string) (*Registration, error) {
	r.mu.Lock()
	if reg, ok := r.regs[path]; ok {
		r.mu.Unlock()
		return reg, nil
	}
	r.mu.Unlock()

	if _, err := r.target.Resolve(path); err != nil {
		return nil, asResolutionError(path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.regs[path]; ok {
		return reg, nil
	}
	reg := &Registration{Path: path}
	r.regs[path] = reg
	r.order = append(r.order, path)
	r.logger.Debug("registered %s", path)
	return reg, nil
}

// Registration returns the registration for path, if any.
func (r *Registry) Registration(path string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[path]
	return reg, ok
}

// Paths returns the registered paths in registration order.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Find returns the doubles living at path. When obj is itself a double it is
// returned under path; otherwise every member of obj that is a double is
// returned as path.member, ordered by member name.
func (r *Registry) Find(path string, obj any) []Found {
	if rec, ok := obj.(Recorder); ok {
		return []Found{{Name: path, Double: rec}}
	}

	members, ok := r.target.Members(obj)
	if !ok {
		return nil
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var found []Found
	for _, name := range names {
		if rec, ok := members[name].(Recorder); ok {
			found = append(found, Found{Name: qualify(path, name), Double: rec})
		}
	}
	return found
}

// Check returns the calls rec received since the previous check of name and
// advances the cursor. A different recorder found under name starts from its
// first call.
func (r *Registry) Check(name string, rec Recorder) []Call {
	calls := rec.Calls()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.cursors[name]
	if cur.rec != rec || cur.n > len(calls) {
		cur.n = 0
	}
	fresh := calls[cur.n:]
	r.cursors[name] = cursor{rec: rec, n: len(calls)}

	if len(fresh) == 0 {
		return nil
	}
	return append([]Call(nil), fresh...)
}

// Cursor returns the number of calls already reported for name.
func (r *Registry) Cursor(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursors[name].n
}

// CheckPath resolves path and checks every double within it.
func (r *Registry) CheckPath(path string) ([]Report, error) {
	obj, err := r.target.Resolve(path)
	if err != nil {
		return nil, asResolutionError(path, err)
	}

	var reports []Report
	for _, f := range r.Find(path, obj) {
		if calls := r.Check(f.Name, f.Double); len(calls) > 0 {
			reports = append(reports, Report{Name: f.Name, Calls: calls})
		}
	}
	return reports, nil
}

// CheckAll checks every registered path in registration order. A path that
// no longer resolves is reported in the returned error; the remaining paths
// are still checked.
func (r *Registry) CheckAll() ([]Report, error) {
	var (
		reports []Report
		errs    []error
	)
	for _, path := range r.Paths() {
		rs, err := r.CheckPath(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rs...)
	}
	return reports, errors.Join(errs...)
}

func qualify(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
