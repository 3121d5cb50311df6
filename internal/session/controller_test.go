package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/autodbg/internal/diff"
	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
)

type fakeFrame struct {
	args    diff.Snapshot
	locals  diff.Snapshot
	globals diff.Snapshot
}

func (f *fakeFrame) Args() (diff.Snapshot, error)    { return f.args, nil }
func (f *fakeFrame) Locals() (diff.Snapshot, error)  { return f.locals, nil }
func (f *fakeFrame) Globals() (diff.Snapshot, error) { return f.globals, nil }

func (f *fakeFrame) Eval(expr string) (string, error) {
	if expr == "boom" {
		return "", errors.New("boom is not defined")
	}
	return "eval:" + expr, nil
}

type scripted struct {
	pause engine.Pause
	frame *fakeFrame
}

// fakeEngine replays scripted pauses and records what the controller asks.
type fakeEngine struct {
	target    double.Target
	functions map[string]bool
	pauses    []scripted
	runErr    error
	// before runs ahead of pause i, standing in for the program's work.
	before func(i int)

	mu          sync.Mutex
	breakpoints []string
	first       engine.Action
	actions     []engine.Action
	quit        atomic.Bool
	closed      atomic.Bool
}

func (e *fakeEngine) SetBreakpoint(loc string, temporary bool) error {
	if _, err := engine.ParseLocation(loc); err != nil {
		return err
	}
	loc = strings.TrimSpace(loc)
	if e.functions != nil && !e.functions[loc] {
		return fmt.Errorf("%s: %w", loc, engine.ErrNoSuchFunction)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if temporary {
		e.breakpoints = append(e.breakpoints, "tbreak "+loc)
	} else {
		e.breakpoints = append(e.breakpoints, "break "+loc)
	}
	return nil
}

func (e *fakeEngine) Run(ctx context.Context, first engine.Action, h engine.Handler) error {
	e.first = first
	if e.runErr != nil {
		return e.runErr
	}
	for i, s := range e.pauses {
		if e.quit.Load() {
			return engine.ErrQuit
		}
		if e.before != nil {
			e.before(i)
		}
		action := h.OnPause(ctx, s.pause, s.frame)
		e.mu.Lock()
		e.actions = append(e.actions, action)
		e.mu.Unlock()
		if action == engine.ActionQuit {
			return engine.ErrQuit
		}
	}
	return nil
}

func (e *fakeEngine) Quit() { e.quit.Store(true) }

func (e *fakeEngine) Target() (double.Target, bool) {
	if e.target == nil {
		return double.Unavailable("fake"), false
	}
	return e.target, true
}

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

// scriptOperator answers prompts from a list, then reports end of input.
type scriptOperator struct {
	lines   []string
	prompts int
}

func (o *scriptOperator) ReadCommand(ctx context.Context, _ string) (string, error) {
	o.prompts++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(o.lines) == 0 {
		return "", io.EOF
	}
	line := o.lines[0]
	o.lines = o.lines[1:]
	return line, nil
}

// blockingOperator never answers; it waits for ctx.
type blockingOperator struct {
	waiting chan struct{}
	once    sync.Once
}

func (o *blockingOperator) ReadCommand(ctx context.Context, _ string) (string, error) {
	o.once.Do(func() { close(o.waiting) })
	<-ctx.Done()
	return "", ctx.Err()
}

func newController(t *testing.T, eng engine.Engine, cfg Config) (*Controller, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cfg.Reporter = NewReporter(&out)
	c, err := New(eng, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &out
}

func outputLines(out *bytes.Buffer) []string {
	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func assertLines(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d report lines:\n%s\nwant %d:\n%s",
			len(got), strings.Join(got, "\n"), len(want), strings.Join(want, "\n"))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func pausesOfAdd() []scripted {
	args := diff.Snapshot{"a": int64(1), "b": int64(2)}
	return []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "add", Line: 2, Depth: 2},
			&fakeFrame{args: args}},
		{engine.Pause{Kind: engine.PauseLine, Function: "add", Line: 3, Depth: 2},
			&fakeFrame{args: args, locals: diff.Snapshot{"a": int64(1), "b": int64(2)},
				globals: diff.Snapshot{"counter": int64(0)}}},
		{engine.Pause{Kind: engine.PauseLine, Function: "add", Line: 4, Depth: 2},
			&fakeFrame{args: args, locals: diff.Snapshot{"a": int64(1), "b": int64(2), "sum": int64(3)},
				globals: diff.Snapshot{"counter": int64(1)}}},
		{engine.Pause{Kind: engine.PauseReturn, Function: "add", Line: 4, Depth: 2},
			&fakeFrame{args: args}},
	}
}

func TestAutomatedPauses(t *testing.T) {
	tests := []struct {
		name     string
		allLines bool
		want     []engine.Action
	}{
		{"all lines", true, []engine.Action{engine.ActionNext, engine.ActionNext, engine.ActionNext, engine.ActionContinue}},
		{"call boundaries", false, []engine.Action{engine.ActionContinue, engine.ActionNext, engine.ActionNext, engine.ActionContinue}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{pauses: pausesOfAdd()}
			c, out := newController(t, eng, Config{
				Function: "add",
				Mode:     Automated{AllLines: tt.allLines},
			})

			if err := c.Run(context.Background()); err != nil {
				t.Fatalf("Run: %v", err)
			}

			if eng.first != engine.ActionContinue {
				t.Errorf("first action = %v, want continue", eng.first)
			}
			if len(eng.actions) != len(tt.want) {
				t.Fatalf("actions = %v, want %v", eng.actions, tt.want)
			}
			for i := range tt.want {
				if eng.actions[i] != tt.want[i] {
					t.Errorf("action %d = %v, want %v", i, eng.actions[i], tt.want[i])
				}
			}

			assertLines(t, outputLines(out), []string{
				"2: a = 1",
				"2: b = 2",
				"3: a = 1",
				"3: b = 2",
				"4: a = 1",
				"4: b = 2",
				"4: local variable sum has been created with value 3",
				"4: global variable counter has changed from 0 to 1",
				"4: a = 1",
				"4: b = 2",
			})

			if c.State() != StateTerminated {
				t.Errorf("state = %v, want terminated", c.State())
			}
			if !eng.closed.Load() {
				t.Error("engine not closed")
			}
		})
	}
}

func TestStartupQueue(t *testing.T) {
	eng := &fakeEngine{functions: map[string]bool{"helper": true, "other": true, "run": true}}
	c, out := newController(t, eng, Config{
		Function:        "run",
		Breakpoints:     []string{"helper", "12", "missing"},
		TempBreakpoints: []string{"other"},
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"break helper", "break 12", "tbreak other", "tbreak run"}
	if strings.Join(eng.breakpoints, "|") != strings.Join(want, "|") {
		t.Errorf("breakpoints = %q, want %q", eng.breakpoints, want)
	}
	if eng.first != engine.ActionContinue {
		t.Errorf("first action = %v, want continue", eng.first)
	}
	if !strings.Contains(out.String(), "0: cannot set breakpoint at missing:") {
		t.Errorf("missing breakpoint not reported:\n%s", out.String())
	}
}

func TestFunctionDefaultsToMain(t *testing.T) {
	eng := &fakeEngine{}
	c, _ := newController(t, eng, Config{})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.breakpoints) != 1 || eng.breakpoints[0] != "tbreak main" {
		t.Errorf("breakpoints = %q, want [tbreak main]", eng.breakpoints)
	}
}

func TestStartupError(t *testing.T) {
	tests := []struct {
		name string
		eng  *fakeEngine
	}{
		{"rejected breakpoint", &fakeEngine{functions: map[string]bool{}}},
		{"missing at launch", &fakeEngine{runErr: fmt.Errorf("launch: %w", engine.ErrNoSuchFunction)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newController(t, tt.eng, Config{Function: "entry"})
			err := c.Run(context.Background())

			var se *StartupError
			if !errors.As(err, &se) {
				t.Fatalf("Run = %v, want *StartupError", err)
			}
			if se.Function != "entry" {
				t.Errorf("Function = %q, want entry", se.Function)
			}
			if !errors.Is(err, ErrStartup) || !errors.Is(err, engine.ErrNoSuchFunction) {
				t.Errorf("error chain of %v is missing ErrStartup or ErrNoSuchFunction", err)
			}
			if !tt.eng.closed.Load() {
				t.Error("engine not closed")
			}
		})
	}
}

func TestExtraCommandsRunAfterReports(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Source: "prog.lua", Line: 7, Depth: 1},
			&fakeFrame{}},
	}}
	c, out := newController(t, eng, Config{
		Mode:     Automated{},
		Commands: []string{"where", "print total", "print boom", "continue", "print never"},
	})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertLines(t, outputLines(out), []string{
		"7: entry in main at prog.lua:7 (depth 1)",
		"7: total = eval:total",
		"7: boom is not defined",
	})
	if len(eng.actions) != 1 || eng.actions[0] != engine.ActionContinue {
		t.Errorf("actions = %v, want [continue]", eng.actions)
	}
}

func TestInteractiveOperator(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Source: "prog.lua", Line: 2, Depth: 1},
			&fakeFrame{}},
		{engine.Pause{Kind: engine.PauseLine, Function: "main", Source: "prog.lua", Line: 3, Depth: 1},
			&fakeFrame{}},
	}}
	op := &scriptOperator{lines: []string{"w", "p x", "", "bogus", "n", "cont"}}
	c, out := newController(t, eng, Config{Mode: Interactive{}, Operator: op})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertLines(t, outputLines(out), []string{
		"2: entry in main at prog.lua:2 (depth 1)",
		"2: x = eval:x",
		"2: x = eval:x",
		`2: unknown command "bogus" (type help)`,
	})
	want := []engine.Action{engine.ActionNext, engine.ActionContinue}
	if len(eng.actions) != 2 || eng.actions[0] != want[0] || eng.actions[1] != want[1] {
		t.Errorf("actions = %v, want %v", eng.actions, want)
	}
}

func TestOperatorEndOfInputQuits(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Line: 2}, &fakeFrame{}},
		{engine.Pause{Kind: engine.PauseLine, Function: "main", Line: 3}, &fakeFrame{}},
	}}
	c, _ := newController(t, eng, Config{Mode: Interactive{}, Operator: &scriptOperator{}})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(eng.actions) != 1 || eng.actions[0] != engine.ActionQuit {
		t.Errorf("actions = %v, want [quit]", eng.actions)
	}
}

func TestInteractiveRequiresOperator(t *testing.T) {
	if _, err := New(&fakeEngine{}, Config{Mode: Interactive{}}); err == nil {
		t.Error("New without operator succeeded in interactive mode")
	}
}

func TestDoublesAreReported(t *testing.T) {
	ns := double.NewNamespace()
	net := ns.Module("net")
	net.Set("fetch", double.Func(func(context.Context, []any, map[string]any) (any, error) {
		return "real", nil
	}))
	net.Set("echo", double.Func(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0], nil
	}))
	ns.Module("ext").Set("hook", double.New("ext.hook"))

	var echoed any
	eng := &fakeEngine{
		target: ns,
		pauses: []scripted{
			{engine.Pause{Kind: engine.PauseEntry, Function: "main", Line: 2}, &fakeFrame{}},
			{engine.Pause{Kind: engine.PauseLine, Function: "main", Line: 3}, &fakeFrame{}},
			{engine.Pause{Kind: engine.PauseLine, Function: "main", Line: 4}, &fakeFrame{}},
		},
	}
	eng.before = func(i int) {
		if i != 1 {
			return
		}
		ctx := context.Background()
		if v, err := net.Call(ctx, "fetch", "a", 1); err != nil || v != nil {
			t.Errorf("fetch through double = %v, %v; want nil, nil", v, err)
		}
		echoed, _ = net.Call(ctx, "echo", "x")
		ns.Module("ext").Call(ctx, "hook", 5)
	}

	c, out := newController(t, eng, Config{
		RegisterMocks:      []string{"ext"},
		AddMocks:           []string{"net.fetch"},
		AddFunctionalMocks: []string{"net.echo, net.missing"},
	})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertLines(t, outputLines(out), []string{
		`2: net does not define "missing": attribute not found; skipped`,
		`3: ext.hook was called with args: (5)`,
		`3: net.fetch was called with args: ("a", 1)`,
		`3: net.echo was called with args: ("x")`,
	})
	if echoed != "x" {
		t.Errorf("forwarding double returned %v, want x", echoed)
	}
	if len(eng.actions) != 3 {
		t.Errorf("session stopped after %d pauses, want 3", len(eng.actions))
	}
	if got := c.Registry().Paths(); len(got) != 3 {
		t.Errorf("registered paths = %v, want 3", got)
	}
}

func TestSideEffectsWithoutObjectGraph(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Line: 2}, &fakeFrame{}},
	}}
	c, out := newController(t, eng, Config{AddMocks: []string{"os.time"}})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "2: cannot install os.time:") {
		t.Errorf("output = %q", out.String())
	}
}

func TestQuitUnblocksOperator(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Line: 2}, &fakeFrame{}},
	}}
	op := &blockingOperator{waiting: make(chan struct{})}
	c, _ := newController(t, eng, Config{Mode: Interactive{}, Operator: op})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case <-op.waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("operator never prompted")
	}
	if c.State() != StateInteractive {
		t.Errorf("state = %v, want interactive", c.State())
	}

	c.Quit()
	c.Quit()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
	if !eng.quit.Load() {
		t.Error("engine was not told to quit")
	}
	if c.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", c.State())
	}
}

func TestQuitBeforeRun(t *testing.T) {
	eng := &fakeEngine{pauses: []scripted{
		{engine.Pause{Kind: engine.PauseEntry, Function: "main", Line: 2}, &fakeFrame{}},
	}}
	c, _ := newController(t, eng, Config{})
	c.Quit()
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if len(eng.actions) != 0 {
		t.Errorf("pauses handled after Quit: %v", eng.actions)
	}
}

func TestSharedBaselineIsRejected(t *testing.T) {
	b := diff.NewBaseline()
	first, err := New(&fakeEngine{}, Config{Baseline: b})
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	if b.Owner() != first.ID() {
		t.Errorf("baseline owner = %q, want %q", b.Owner(), first.ID())
	}
	if _, err := New(&fakeEngine{}, Config{Baseline: b}); !errors.Is(err, diff.ErrSharedBaseline) {
		t.Errorf("second New = %v, want ErrSharedBaseline", err)
	}
}

func TestLookupCommand(t *testing.T) {
	tests := []struct {
		line string
		name string
		arg  string
		ok   bool
	}{
		{"a", cmdArgs, "", true},
		{"  b   helper ", cmdBreak, "helper", true},
		{"p t.x + 1", cmdPrint, "t.x + 1", true},
		{"exit", cmdQuit, "", true},
		{"?", cmdHelp, "", true},
		{"install-functional-mock a.b,c.d", cmdInstallForward, "a.b,c.d", true},
		{"jump 3", "", "", false},
	}
	for _, tt := range tests {
		cmd, arg, ok := lookupCommand(tt.line)
		if ok != tt.ok {
			t.Errorf("lookupCommand(%q) ok = %t, want %t", tt.line, ok, tt.ok)
			continue
		}
		if ok && (cmd.name != tt.name || arg != tt.arg) {
			t.Errorf("lookupCommand(%q) = %s %q, want %s %q", tt.line, cmd.name, arg, tt.name, tt.arg)
		}
	}
}
