// Package dap runs programs under an external debug adapter that speaks the
// Debug Adapter Protocol, such as debugpy or delve.
//
// The client's receive loop only queues events. Stopped events are turned
// into pauses on the goroutine that called Run, and the handler's action is
// sent back as continue, next, stepIn or stepOut.
package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
	"github.com/dshills/autodbg/internal/logging"
)

// disconnectTimeout bounds the disconnect request sent when a run ends.
const disconnectTimeout = 2 * time.Second

// Engine is an engine.Engine backed by a debug adapter.
type Engine struct {
	program   string
	preset    Preset
	dial      Dialer
	overrides string
	logger    *logging.Logger

	mu      sync.Mutex
	lineBPs []*breakpoint
	funcBPs []*breakpoint
	client  *Client
	cancel  context.CancelFunc
	running bool
	ran     bool
	closed  bool
	quit    atomic.Bool

	// Owned by the Run goroutine.
	ctx         context.Context
	caps        Capabilities
	sentSources map[string]bool
	sentFuncs   bool
	last        engine.Action
	exited      bool
}

type breakpoint struct {
	loc       engine.Location
	temporary bool
	id        int
	verified  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithDialer replaces the preset's way of starting the adapter.
func WithDialer(d Dialer) Option {
	return func(e *Engine) {
		e.dial = d
	}
}

// WithLaunchOverrides merges a JSON object into the launch arguments.
func WithLaunchOverrides(overrides string) Option {
	return func(e *Engine) {
		e.overrides = overrides
	}
}

// New prepares program to be run under the adapter described by preset.
func New(program string, preset Preset, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(program)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", program, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("open program: %w", err)
	}

	e := &Engine{
		program:     abs,
		preset:      preset,
		dial:        preset.Dialer(""),
		logger:      logging.Nop(),
		sentSources: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("dap").WithField("adapter", preset.Name)
	return e, nil
}

// Path returns the absolute program path.
func (e *Engine) Path() string {
	return e.program
}

// SetBreakpoint implements engine.Engine. Before Run the breakpoint is only
// recorded; a function the program does not define is then reported by Run.
func (e *Engine) SetBreakpoint(loc string, temporary bool) error {
	l, err := engine.ParseLocation(loc)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return engine.ErrClosed
	}
	bp := &breakpoint{loc: l, temporary: temporary}
	if l.IsLine() {
		e.lineBPs = append(e.lineBPs, bp)
	} else {
		e.funcBPs = append(e.funcBPs, bp)
	}
	live := e.client != nil && e.running
	e.mu.Unlock()

	e.logger.Debug("breakpoint at %s (temporary=%t)", l, temporary)
	if !live {
		return nil
	}

	missing, err := e.syncBreakpoints(e.ctx)
	if err != nil {
		e.removeBreakpoints([]*breakpoint{bp})
		return err
	}
	for _, m := range missing {
		if m == bp {
			e.removeBreakpoints([]*breakpoint{bp})
			e.syncBreakpoints(e.ctx)
			return fmt.Errorf("%s: %w", l.Function, engine.ErrNoSuchFunction)
		}
	}
	return nil
}

// Run implements engine.Engine.
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

	e.ctx = runCtx
	e.last = first
	defer e.teardown(cancel)

	t, err := e.dial(runCtx)
	if err != nil {
		return e.runError(ctx, fmt.Errorf("start adapter: %w", err))
	}
	client := NewClient(t)
	e.mu.Lock()
	e.client = client
	e.mu.Unlock()

	e.logger.Info("launching %s", e.program)
	if err := e.start(runCtx, first); err != nil {
		return e.runError(ctx, err)
	}
	return e.runError(ctx, e.loop(runCtx, h))
}

func (e *Engine) teardown(cancel context.CancelFunc) {
	cancel()

	e.mu.Lock()
	client := e.client
	e.mu.Unlock()

	if client != nil {
		ctx, stop := context.WithTimeout(context.Background(), disconnectTimeout)
		if err := client.Call(ctx, "disconnect", DisconnectArguments{TerminateDebuggee: true}, nil); err != nil {
			e.logger.Debug("disconnect: %v", err)
		}
		stop()
		client.Close()
	}

	e.mu.Lock()
	e.client = nil
	e.cancel = nil
	e.running = false
	e.ran = true
	e.mu.Unlock()
}

// runError maps the outcome of a run to the engine contract.
func (e *Engine) runError(parent context.Context, err error) error {
	switch {
	case e.quit.Load():
		return engine.ErrQuit
	case err != nil && parent.Err() != nil:
		return parent.Err()
	}
	return err
}

// start performs the initialize, launch and configuration handshake.
func (e *Engine) start(ctx context.Context, first engine.Action) error {
	client := e.client

	err := client.Call(ctx, "initialize", InitializeRequestArguments{
		ClientID:        "autodbg",
		ClientName:      "autodbg",
		AdapterID:       e.preset.AdapterID,
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	}, &e.caps)
	if err != nil {
		return err
	}

	args, err := e.preset.LaunchArguments(e.program, first != engine.ActionContinue, e.overrides)
	if err != nil {
		return err
	}

	// Some adapters answer launch only after configurationDone, so the
	// request runs alongside the wait for the initialized event.
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	launched := make(chan error, 1)
	go func() {
		err := client.Call(ctx, "launch", args, nil)
		launched <- err
		if err != nil {
			stopWait()
		}
	}()

	for {
		ev, err := client.NextEvent(waitCtx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case lerr := <-launched:
					if lerr != nil {
						return fmt.Errorf("launch %s: %w", e.program, lerr)
					}
				default:
				}
			}
			return err
		}
		if ev.Event == "initialized" {
			break
		}
		e.observe(ev)
	}

	missing, err := e.syncBreakpoints(ctx)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %w", missing[0].loc.Function, engine.ErrNoSuchFunction)
	}

	if e.caps.SupportsConfigurationDoneRequest {
		if err := client.Call(ctx, "configurationDone", nil, nil); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-launched:
		if err != nil {
			return fmt.Errorf("launch %s: %w", e.program, err)
		}
	}
	return nil
}

// loop handles events until the program terminates.
func (e *Engine) loop(ctx context.Context, h engine.Handler) error {
	for {
		if e.quit.Load() {
			return engine.ErrQuit
		}

		ev, err := e.client.NextEvent(ctx)
		if err != nil {
			if e.exited {
				return nil
			}
			return fmt.Errorf("adapter: %w", err)
		}

		switch ev.Event {
		case "stopped":
			var body StoppedEventBody
			if err := json.Unmarshal(ev.Body, &body); err != nil {
				return fmt.Errorf("decode stopped event: %w", err)
			}
			action, err := e.pause(ctx, h, body)
			if err != nil {
				return err
			}
			if action == engine.ActionQuit || e.quit.Load() {
				e.quit.Store(true)
				return engine.ErrQuit
			}
			if err := e.resume(ctx, action, body.ThreadID); err != nil {
				return err
			}
		case "exited":
			e.exited = true
			e.logger.Info("%s exited with code %d", e.program, gjson.GetBytes(ev.Body, "exitCode").Int())
		case "terminated":
			e.logger.Info("%s finished", e.program)
			return nil
		default:
			e.observe(ev)
		}
	}
}

// observe logs events that do not affect the run.
func (e *Engine) observe(ev Event) {
	if ev.Event == "output" {
		category := gjson.GetBytes(ev.Body, "category").String()
		if category == "telemetry" {
			return
		}
		output := strings.TrimRight(gjson.GetBytes(ev.Body, "output").String(), "\n")
		e.logger.WithField("category", category).Debug("%s", output)
		return
	}
	e.logger.Debug("event %s", ev.Event)
}

// pause delivers a stopped event to h.
func (e *Engine) pause(ctx context.Context, h engine.Handler, body StoppedEventBody) (engine.Action, error) {
	var trace StackTraceResponseBody
	if err := e.client.Call(ctx, "stackTrace", StackTraceArguments{ThreadID: body.ThreadID}, &trace); err != nil {
		return engine.ActionQuit, err
	}
	if len(trace.StackFrames) == 0 {
		return engine.ActionQuit, fmt.Errorf("thread %d stopped without frames", body.ThreadID)
	}
	top := trace.StackFrames[0]

	hits := e.hitBreakpoints(body, top)
	if e.removeBreakpoints(temporaries(hits)) {
		if _, err := e.syncBreakpoints(ctx); err != nil {
			return engine.ActionQuit, err
		}
	}

	p := engine.Pause{
		Kind:     e.classify(body, hits),
		Function: top.Name,
		Line:     top.Line,
		Depth:    max(trace.TotalFrames, len(trace.StackFrames)),
		Reason:   body.Reason,
	}
	if top.Source != nil {
		p.Source = top.Source.Path
	}
	if len(hits) > 0 {
		p.Reason = "breakpoint"
	}

	if e.quit.Load() {
		return engine.ActionQuit, nil
	}
	action := h.OnPause(ctx, p, &frame{e: e, ctx: ctx, id: top.ID})
	e.last = action
	return action, nil
}

// classify maps a stopped event to a pause kind. Adapters report no
// function return, so the stop that ends a stepOut stands for it.
func (e *Engine) classify(body StoppedEventBody, hits []*breakpoint) engine.PauseKind {
	switch body.Reason {
	case "entry", "function breakpoint":
		return engine.PauseEntry
	}
	for _, bp := range hits {
		if !bp.loc.IsLine() {
			return engine.PauseEntry
		}
	}
	if body.Reason == "step" && e.last == engine.ActionReturn {
		return engine.PauseReturn
	}
	return engine.PauseLine
}

func (e *Engine) resume(ctx context.Context, action engine.Action, threadID int) error {
	var command string
	switch action {
	case engine.ActionNext:
		command = "next"
	case engine.ActionStep:
		command = "stepIn"
	case engine.ActionReturn:
		command = "stepOut"
	default:
		command = "continue"
	}
	return e.client.Call(ctx, command, ThreadArguments{ThreadID: threadID}, nil)
}

// hitBreakpoints returns the breakpoints a stop is attributed to, by the
// adapter's ids when given, otherwise by location.
func (e *Engine) hitBreakpoints(body StoppedEventBody, top StackFrame) []*breakpoint {
	if !strings.Contains(body.Reason, "breakpoint") {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	all := append(append([]*breakpoint(nil), e.lineBPs...), e.funcBPs...)
	var hits []*breakpoint
	if len(body.HitBreakpointIds) > 0 {
		for _, bp := range all {
			for _, id := range body.HitBreakpointIds {
				if bp.id != 0 && bp.id == id {
					hits = append(hits, bp)
				}
			}
		}
		return hits
	}

	path := ""
	if top.Source != nil {
		path = top.Source.Path
	}
	for _, bp := range all {
		if bp.loc.IsLine() {
			if bp.loc.Line == top.Line && e.sourceOf(bp.loc) == path {
				hits = append(hits, bp)
			}
		} else if functionMatches(top.Name, bp.loc.Function) {
			hits = append(hits, bp)
		}
	}
	return hits
}

// functionMatches compares a frame name such as "main.run" or
// "Server.handle" with a breakpoint function name.
func functionMatches(frameName, name string) bool {
	return frameName == name || strings.HasSuffix(frameName, "."+name)
}

func temporaries(bps []*breakpoint) []*breakpoint {
	var out []*breakpoint
	for _, bp := range bps {
		if bp.temporary {
			out = append(out, bp)
		}
	}
	return out
}

// removeBreakpoints forgets bps and reports whether any was known.
func (e *Engine) removeBreakpoints(bps []*breakpoint) bool {
	if len(bps) == 0 {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := false
	filter := func(list []*breakpoint) []*breakpoint {
		kept := list[:0]
		for _, bp := range list {
			drop := false
			for _, r := range bps {
				if bp == r {
					drop = true
				}
			}
			if drop {
				removed = true
			} else {
				kept = append(kept, bp)
			}
		}
		return kept
	}
	e.lineBPs = filter(e.lineBPs)
	e.funcBPs = filter(e.funcBPs)
	return removed
}

// sourceOf returns the absolute source path of a line breakpoint.
// Callers hold e.mu.
func (e *Engine) sourceOf(l engine.Location) string {
	if l.File == "" {
		return e.program
	}
	if filepath.IsAbs(l.File) {
		return l.File
	}
	return filepath.Join(filepath.Dir(e.program), l.File)
}

// syncBreakpoints sends the current breakpoint sets to the adapter and
// returns the function breakpoints it could not verify.
func (e *Engine) syncBreakpoints(ctx context.Context) ([]*breakpoint, error) {
	e.mu.Lock()
	client := e.client
	bySource := make(map[string][]*breakpoint)
	for src := range e.sentSources {
		bySource[src] = nil
	}
	for _, bp := range e.lineBPs {
		src := e.sourceOf(bp.loc)
		bySource[src] = append(bySource[src], bp)
	}
	funcs := append([]*breakpoint(nil), e.funcBPs...)
	e.mu.Unlock()

	for src, bps := range bySource {
		args := SetBreakpointsArguments{
			Source:      Source{Name: filepath.Base(src), Path: src},
			Breakpoints: make([]SourceBreakpoint, 0, len(bps)),
		}
		for _, bp := range bps {
			args.Breakpoints = append(args.Breakpoints, SourceBreakpoint{Line: bp.loc.Line})
		}
		var body SetBreakpointsResponseBody
		if err := client.Call(ctx, "setBreakpoints", args, &body); err != nil {
			return nil, err
		}
		e.record(bps, body.Breakpoints)
		if len(bps) > 0 {
			e.sentSources[src] = true
		} else {
			delete(e.sentSources, src)
		}
	}

	if len(funcs) == 0 && !e.sentFuncs {
		return nil, nil
	}
	if !e.caps.SupportsFunctionBreakpoints {
		return nil, fmt.Errorf("adapter %s does not support function breakpoints", e.preset.Name)
	}
	args := SetFunctionBreakpointsArguments{Breakpoints: make([]FunctionBreakpoint, 0, len(funcs))}
	for _, bp := range funcs {
		args.Breakpoints = append(args.Breakpoints, FunctionBreakpoint{Name: bp.loc.Function})
	}
	var body SetBreakpointsResponseBody
	if err := client.Call(ctx, "setFunctionBreakpoints", args, &body); err != nil {
		return nil, err
	}
	e.record(funcs, body.Breakpoints)
	e.sentFuncs = len(funcs) > 0

	var missing []*breakpoint
	for _, bp := range funcs {
		if !bp.verified {
			missing = append(missing, bp)
		}
	}
	return missing, nil
}

// record copies the adapter's answer onto the requested breakpoints, which
// it returns in request order.
func (e *Engine) record(bps []*breakpoint, got []Breakpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, bp := range bps {
		if i >= len(got) {
			bp.verified = false
			continue
		}
		bp.id = got[i].ID
		bp.verified = got[i].Verified
		if !got[i].Verified && got[i].Message != "" {
			e.logger.Warn("breakpoint %s: %s", bp.loc, got[i].Message)
		}
	}
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

// Target implements engine.Engine. Debug adapters do not expose the
// program's object graph, so doubles cannot be installed.
func (e *Engine) Target() (double.Target, bool) {
	return double.Unavailable("debug adapter " + e.preset.Name + " exposes no object graph"), false
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.Quit()
	return nil
}
