// Package luavm runs Lua scripts under debugger control.
//
// The script is parsed and rewritten so that every function reports its
// entry, every statement reports its line and every return reports itself to
// the engine. The engine decides at each of these points whether the
// program pauses, following the breakpoints and the stepping mode chosen by
// the handler at the previous pause.
//
// gopher-lua's LState is not goroutine-safe. Everything except Quit must be
// called from the goroutine that calls Run, or before Run starts.
package luavm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
	"github.com/dshills/autodbg/internal/logging"
)

// Engine is an engine.Engine for one Lua script.
type Engine struct {
	path    string
	logger  *logging.Logger
	modules map[string]map[string]any

	L        *lua.LState
	prog     *program
	chunk    *lua.LFunction
	builtins map[string]bool

	mu       sync.Mutex
	funcBPs  map[int][]*breakpoint
	lineBPs  map[int][]*breakpoint
	cancel   context.CancelFunc
	running  bool
	ran      bool
	closed   bool
	quit     atomic.Bool
	bpSerial int

	// Owned by the Run goroutine.
	ctx         context.Context
	handler     engine.Handler
	mode        engine.Action
	stepDepth   int
	pausing     bool
	lastFid     int
	lastLine    int
	forwardArgs []lua.LValue
	doubleMeta  *lua.LTable
	hostMeta    *lua.LTable
	wrapped     map[*double.Double]*lua.LUserData
	doubleSeq   int
}

type breakpoint struct {
	id        int
	loc       engine.Location
	temporary bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithModule exposes a table of host values to the script as the global
// name. Members may be double.Func, double.AsyncFunc, *double.Double or
// plain values.
func WithModule(name string, members map[string]any) Option {
	return func(e *Engine) {
		e.modules[name] = members
	}
}

// New loads and instruments the script at path.
func New(path string, opts ...Option) (*Engine, error) {
	e := &Engine{
		path:    path,
		logger:  logging.Nop(),
		modules: make(map[string]map[string]any),
		funcBPs: make(map[int][]*breakpoint),
		lineBPs: make(map[int][]*breakpoint),
		wrapped: make(map[*double.Double]*lua.LUserData),
		lastFid: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("luavm")

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	prog, err := instrument(f, path)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(prog.chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}

	e.prog = prog
	e.L = lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(e.L)
	e.chunk = e.L.NewFunctionFromProto(proto)

	e.installHooks()
	e.openDoubleModule()
	e.openHostModules()

	e.builtins = make(map[string]bool)
	e.L.G.Global.ForEach(func(k, _ lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			e.builtins[string(name)] = true
		}
	})

	e.logger.Debug("loaded %s (%d functions)", path, len(prog.funcs)-1)
	return e, nil
}

// openLibraries opens the standard libraries that do not reach outside the
// process.
func openLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (e *Engine) installHooks() {
	e.L.SetGlobal(hookCall, e.L.NewFunction(e.hook(engine.PauseEntry)))
	e.L.SetGlobal(hookLine, e.L.NewFunction(e.hook(engine.PauseLine)))
	e.L.SetGlobal(hookReturn, e.L.NewFunction(e.hook(engine.PauseReturn)))
}

func (e *Engine) hook(kind engine.PauseKind) lua.LGFunction {
	return func(L *lua.LState) int {
		line := L.CheckInt(1)
		fid := L.CheckInt(2)
		e.event(kind, fid, line)
		return 0
	}
}

// Path returns the script path.
func (e *Engine) Path() string {
	return e.path
}

// SetBreakpoint implements engine.Engine.
func (e *Engine) SetBreakpoint(loc string, temporary bool) error {
	l, err := engine.ParseLocation(loc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return engine.ErrClosed
	}

	e.bpSerial++
	bp := &breakpoint{id: e.bpSerial, loc: l, temporary: temporary}

	if l.IsLine() {
		if l.File != "" && !e.sameFile(l.File) {
			return fmt.Errorf("%s is not the debugged script: %w", l.File, engine.ErrInvalidLocation)
		}
		if !e.prog.lines[l.Line] {
			return fmt.Errorf("line %d has no code: %w", l.Line, engine.ErrInvalidLocation)
		}
		e.lineBPs[l.Line] = append(e.lineBPs[l.Line], bp)
		e.logger.Debug("breakpoint %d at line %d (temporary=%t)", bp.id, l.Line, temporary)
		return nil
	}

	funcs := e.prog.functionsNamed(l.Function)
	if len(funcs) == 0 {
		return fmt.Errorf("%s: %w", l.Function, engine.ErrNoSuchFunction)
	}
	for _, fi := range funcs {
		e.funcBPs[fi.id] = append(e.funcBPs[fi.id], bp)
	}
	e.logger.Debug("breakpoint %d at %s (temporary=%t)", bp.id, l.Function, temporary)
	return nil
}

func (e *Engine) sameFile(file string) bool {
	if file == e.path || filepath.Base(file) == filepath.Base(e.path) {
		return true
	}
	a, err1 := filepath.Abs(file)
	b, err2 := filepath.Abs(e.path)
	return err1 == nil && err2 == nil && a == b
}

// Run implements engine.Engine. A script can only be run once.
func (e *Engine) Run(ctx context.Context, first engine.Action, h engine.Handler) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return engine.ErrClosed
	case e.running || e.ran:
		e.mu.Unlock()
		return engine.ErrRunning
	}
	if e.quit.Load() || first == engine.ActionQuit {
		e.ran = true
		e.mu.Unlock()
		return engine.ErrQuit
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.running = false
		e.ran = true
		e.cancel = nil
		closeState := e.closed
		e.mu.Unlock()
		if closeState {
			e.L.Close()
		}
	}()

	e.ctx = runCtx
	e.handler = h
	e.mode = first
	e.stepDepth = 1

	e.L.SetContext(runCtx)
	defer e.L.RemoveContext()

	e.logger.Info("running %s", e.path)
	err := e.L.CallByParam(lua.P{Fn: e.chunk, NRet: 0, Protect: true})

	switch {
	case e.quit.Load():
		return engine.ErrQuit
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		return fmt.Errorf("run %s: %w", e.path, err)
	}
	e.logger.Info("%s finished", e.path)
	return nil
}

// Quit implements engine.Engine.
func (e *Engine) Quit() {
	e.quit.Store(true)

	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Target implements engine.Engine.
func (e *Engine) Target() (double.Target, bool) {
	return &target{e: e}, true
}

// Close implements engine.Engine. A running script is stopped and the Lua
// state is released when Run returns.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.running
	e.mu.Unlock()

	e.Quit()
	if !running {
		e.L.Close()
	}
	return nil
}

// event decides whether a hook notification pauses the program.
func (e *Engine) event(kind engine.PauseKind, fid, line int) {
	if e.quit.Load() {
		e.L.RaiseError("%s", engine.ErrQuit.Error())
	}
	if e.pausing || e.handler == nil {
		return
	}

	if kind == engine.PauseLine {
		// Several statements on one line report the line once.
		if fid == e.lastFid && line == e.lastLine {
			return
		}
		e.lastFid, e.lastLine = fid, line
	} else {
		e.lastFid, e.lastLine = -1, 0
	}

	fi := e.prog.info(fid)
	hit := e.hitBreakpoint(kind, fi, line)
	if !hit && e.mode == engine.ActionContinue {
		return
	}

	depth := e.depth()
	if !hit && !e.stepStops(kind, depth) {
		return
	}

	reason := "step"
	if hit {
		reason = "breakpoint"
	}
	p := engine.Pause{
		Kind:     kind,
		Function: fi.name,
		Source:   e.path,
		Line:     line,
		Depth:    depth,
		Reason:   reason,
	}

	e.pausing = true
	action := e.handler.OnPause(e.ctx, p, &frame{e: e, fi: fi})
	e.pausing = false

	if action == engine.ActionQuit || e.quit.Load() {
		e.quit.Store(true)
		e.L.RaiseError("%s", engine.ErrQuit.Error())
	}

	e.mode = action
	e.stepDepth = depth
	if kind == engine.PauseReturn {
		// The paused frame is finishing; stepping continues in its caller.
		e.stepDepth = depth - 1
	}
}

func (e *Engine) hitBreakpoint(kind engine.PauseKind, fi *funcInfo, line int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var bps []*breakpoint
	switch kind {
	case engine.PauseEntry:
		bps = e.funcBPs[fi.id]
	case engine.PauseLine:
		bps = e.lineBPs[line]
	}
	if len(bps) == 0 {
		return false
	}

	var temps []*breakpoint
	for _, bp := range bps {
		if bp.temporary {
			temps = append(temps, bp)
		}
	}
	for _, bp := range temps {
		e.removeBreakpoint(bp)
	}
	return true
}

// removeBreakpoint deletes bp everywhere. Callers hold e.mu.
func (e *Engine) removeBreakpoint(bp *breakpoint) {
	for _, m := range []map[int][]*breakpoint{e.funcBPs, e.lineBPs} {
		for key, list := range m {
			kept := list[:0]
			for _, other := range list {
				if other != bp {
					kept = append(kept, other)
				}
			}
			if len(kept) == 0 {
				delete(m, key)
			} else {
				m[key] = kept
			}
		}
	}
}

// stepStops applies the stepping mode chosen at the previous pause.
func (e *Engine) stepStops(kind engine.PauseKind, depth int) bool {
	switch e.mode {
	case engine.ActionStep:
		return true
	case engine.ActionNext:
		if kind == engine.PauseReturn {
			return depth == e.stepDepth
		}
		return depth <= e.stepDepth
	case engine.ActionReturn:
		if kind == engine.PauseReturn {
			return depth == e.stepDepth
		}
		return depth < e.stepDepth
	default:
		return false
	}
}

// depth counts the Lua frames below the hook.
func (e *Engine) depth() int {
	d := 0
	for level := 1; ; level++ {
		dbg, ok := e.L.GetStack(level)
		if !ok {
			return d
		}
		if _, err := e.L.GetInfo("S", dbg, nil); err != nil {
			continue
		}
		if dbg.What != "G" {
			d++
		}
	}
}

func (e *Engine) callContext() context.Context {
	if e.ctx != nil {
		return e.ctx
	}
	return context.Background()
}
