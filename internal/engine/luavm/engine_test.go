package luavm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
)

const adderScript = `counter = 0
local function add(a, b)
  local sum = a + b
  counter = counter + 1
  return sum
end
function main()
  local x = add(1, 2)
  local y = add(x, 3)
  return y
end
main()
`

func writeScript(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newEngine(t *testing.T, src string, opts ...Option) *Engine {
	t.Helper()
	e, err := New(writeScript(t, "script.lua", src), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

type recorded struct {
	pause  engine.Pause
	args   map[string]any
	locals map[string]any
	global map[string]any
}

// recorder collects every pause and answers with the next scripted action,
// falling back to the last one.
type recorder struct {
	actions []engine.Action
	pauses  []recorded
	onPause func(p engine.Pause, f engine.Frame)
}

func (r *recorder) OnPause(_ context.Context, p engine.Pause, f engine.Frame) engine.Action {
	args, _ := f.Args()
	locals, _ := f.Locals()
	globals, _ := f.Globals()
	r.pauses = append(r.pauses, recorded{pause: p, args: args, locals: locals, global: globals})
	if r.onPause != nil {
		r.onPause(p, f)
	}

	i := len(r.pauses) - 1
	if i >= len(r.actions) {
		i = len(r.actions) - 1
	}
	return r.actions[i]
}

type stop struct {
	kind engine.PauseKind
	fn   string
	line int
}

func stopsOf(rs []recorded) []stop {
	out := make([]stop, len(rs))
	for i, r := range rs {
		out[i] = stop{kind: r.pause.Kind, fn: r.pause.Function, line: r.pause.Line}
	}
	return out
}

func assertStops(t *testing.T, got []recorded, want []stop) {
	t.Helper()
	stops := stopsOf(got)
	if len(stops) != len(want) {
		t.Fatalf("got %d pauses %v, want %d %v", len(stops), stops, len(want), want)
	}
	for i := range want {
		if stops[i] != want[i] {
			t.Errorf("pause %d = %+v, want %+v", i, stops[i], want[i])
		}
	}
}

func TestNextWalksTheEntryFunction(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("main", true); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	r := &recorder{actions: []engine.Action{engine.ActionNext}}
	if err := e.Run(context.Background(), engine.ActionContinue, r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStops(t, r.pauses, []stop{
		{engine.PauseEntry, "main", 7},
		{engine.PauseLine, "main", 8},
		{engine.PauseLine, "main", 9},
		{engine.PauseLine, "main", 10},
		{engine.PauseReturn, "main", 10},
	})

	if d := r.pauses[0].pause.Depth; d != 2 {
		t.Errorf("entry depth = %d, want 2", d)
	}
	if r.pauses[0].pause.Reason != "breakpoint" || r.pauses[1].pause.Reason != "step" {
		t.Errorf("reasons = %q, %q", r.pauses[0].pause.Reason, r.pauses[1].pause.Reason)
	}

	if got := r.pauses[1].global["counter"]; got != int64(0) {
		t.Errorf("counter at line 8 = %v, want 0", got)
	}
	if got := r.pauses[2].global["counter"]; got != int64(1) {
		t.Errorf("counter at line 9 = %v, want 1", got)
	}
	if _, ok := r.pauses[1].global["add"]; ok {
		t.Error("local function reported as global")
	}
	for _, hidden := range []string{"print", "double", hookLine} {
		if _, ok := r.pauses[1].global[hidden]; ok {
			t.Errorf("global %q should be hidden", hidden)
		}
	}

	if len(r.pauses[1].locals) != 0 {
		t.Errorf("locals at line 8 = %v, want none", r.pauses[1].locals)
	}
	if got := r.pauses[2].locals["x"]; got != int64(3) {
		t.Errorf("x at line 9 = %v, want 3", got)
	}
	if got := r.pauses[3].locals["y"]; got != int64(6) {
		t.Errorf("y at line 10 = %v, want 6", got)
	}
}

func TestFunctionBreakpointReportsArgs(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("add", false); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	r := &recorder{actions: []engine.Action{engine.ActionContinue}}
	if err := e.Run(context.Background(), engine.ActionContinue, r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStops(t, r.pauses, []stop{
		{engine.PauseEntry, "add", 2},
		{engine.PauseEntry, "add", 2},
	})

	wantArgs := []map[string]any{
		{"a": int64(1), "b": int64(2)},
		{"a": int64(3), "b": int64(3)},
	}
	for i, want := range wantArgs {
		got := r.pauses[i].args
		if len(got) != len(want) || got["a"] != want["a"] || got["b"] != want["b"] {
			t.Errorf("args at pause %d = %v, want %v", i, got, want)
		}
	}
}

func TestStepAndReturn(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("main", true); err != nil {
		t.Fatal(err)
	}

	r := &recorder{actions: []engine.Action{
		engine.ActionStep,
		engine.ActionStep,
		engine.ActionReturn,
		engine.ActionContinue,
	}}
	if err := e.Run(context.Background(), engine.ActionContinue, r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	assertStops(t, r.pauses, []stop{
		{engine.PauseEntry, "main", 7},
		{engine.PauseLine, "main", 8},
		{engine.PauseEntry, "add", 2},
		{engine.PauseReturn, "add", 5},
	})
	if got := r.pauses[3].locals["sum"]; got != int64(3) {
		t.Errorf("sum at return = %v, want 3", got)
	}
}

func TestLineBreakpoint(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("9", false); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	tests := []struct {
		loc  string
		want error
	}{
		{"6", engine.ErrInvalidLocation},
		{"other.lua:9", engine.ErrInvalidLocation},
		{"missing", engine.ErrNoSuchFunction},
	}
	for _, tt := range tests {
		if err := e.SetBreakpoint(tt.loc, false); !errors.Is(err, tt.want) {
			t.Errorf("SetBreakpoint(%q) = %v, want %v", tt.loc, err, tt.want)
		}
	}

	r := &recorder{actions: []engine.Action{engine.ActionContinue}}
	if err := e.Run(context.Background(), engine.ActionContinue, r); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertStops(t, r.pauses, []stop{{engine.PauseLine, "main", 9}})

	if err := e.Run(context.Background(), engine.ActionContinue, r); !errors.Is(err, engine.ErrRunning) {
		t.Errorf("second Run = %v, want ErrRunning", err)
	}
}

func TestQuitFromHandler(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("add", false); err != nil {
		t.Fatal(err)
	}

	r := &recorder{actions: []engine.Action{engine.ActionQuit}}
	err := e.Run(context.Background(), engine.ActionContinue, r)
	if !errors.Is(err, engine.ErrQuit) {
		t.Fatalf("Run = %v, want ErrQuit", err)
	}
	if len(r.pauses) != 1 {
		t.Errorf("got %d pauses after quit, want 1", len(r.pauses))
	}
}

func TestQuitWhilePaused(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("add", false); err != nil {
		t.Fatal(err)
	}

	paused := make(chan struct{})
	pauses := 0
	h := engine.HandlerFunc(func(ctx context.Context, _ engine.Pause, _ engine.Frame) engine.Action {
		pauses++
		close(paused)
		<-ctx.Done()
		return engine.ActionContinue
	})

	go func() {
		<-paused
		e.Quit()
	}()

	err := e.Run(context.Background(), engine.ActionContinue, h)
	if !errors.Is(err, engine.ErrQuit) {
		t.Fatalf("Run = %v, want ErrQuit", err)
	}
	if pauses != 1 {
		t.Errorf("pauses = %d, want 1", pauses)
	}
}

func TestQuitBeforeRun(t *testing.T) {
	e := newEngine(t, adderScript)
	e.Quit()
	if err := e.Run(context.Background(), engine.ActionContinue, &recorder{}); !errors.Is(err, engine.ErrQuit) {
		t.Errorf("Run after Quit = %v, want ErrQuit", err)
	}
}

func TestRuntimeErrorIsReturned(t *testing.T) {
	e := newEngine(t, "local t = nil\nprint(t.x)\n")
	err := e.Run(context.Background(), engine.ActionContinue, &recorder{})
	if err == nil || errors.Is(err, engine.ErrQuit) {
		t.Fatalf("Run = %v, want a script error", err)
	}
}

func TestEval(t *testing.T) {
	e := newEngine(t, adderScript)
	if err := e.SetBreakpoint("9", false); err != nil {
		t.Fatal(err)
	}

	var results []string
	r := &recorder{
		actions: []engine.Action{engine.ActionContinue},
		onPause: func(_ engine.Pause, f engine.Frame) {
			for _, expr := range []string{"x * 2", "counter", "'s' .. x", "undefined"} {
				out, err := f.Eval(expr)
				if err != nil {
					t.Errorf("Eval(%q): %v", expr, err)
				}
				results = append(results, out)
			}
			if _, err := f.Eval("x +"); err == nil {
				t.Error("Eval of a syntax error succeeded")
			}
		},
	}
	if err := e.Run(context.Background(), engine.ActionContinue, r); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"6", "1", `"s3"`, "nil"}
	if strings.Join(results, ",") != strings.Join(want, ",") {
		t.Errorf("Eval results = %v, want %v", results, want)
	}
}

const moduleScript = `mod = {}
function mod.fn(x)
  original_calls = (original_calls or 0) + 1
  return x + 1
end
function main()
  result = mod.fn(5)
  mod.fn(1, 2)
end
main()
`

func installAtMain(t *testing.T, e *Engine, path string, keep bool) *double.Registry {
	t.Helper()
	tgt, ok := e.Target()
	if !ok {
		t.Fatal("Target unavailable")
	}
	reg := double.NewRegistry(tgt)
	inj := double.NewInjector(tgt, reg, nil)

	if err := e.SetBreakpoint("main", true); err != nil {
		t.Fatal(err)
	}
	h := engine.HandlerFunc(func(context.Context, engine.Pause, engine.Frame) engine.Action {
		if _, err := inj.Install(path, keep); err != nil {
			t.Errorf("Install(%s): %v", path, err)
		}
		return engine.ActionContinue
	})
	if err := e.Run(context.Background(), engine.ActionContinue, h); err != nil {
		t.Fatalf("Run: %v", err)
	}
	return reg
}

func TestForwardingDoubleInLuaTable(t *testing.T) {
	e := newEngine(t, moduleScript)
	reg := installAtMain(t, e, "mod.fn", true)

	tgt, _ := e.Target()
	result, err := tgt.Resolve("result")
	if err != nil {
		t.Fatalf("Resolve(result): %v", err)
	}
	if result != lua.LNumber(6) {
		t.Errorf("result = %v, want 6", result)
	}
	if calls, _ := tgt.Resolve("original_calls"); calls != lua.LNumber(2) {
		t.Errorf("original_calls = %v, want 2", calls)
	}

	reports, err := reg.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if len(reports) != 1 || reports[0].Name != "mod.fn" || len(reports[0].Calls) != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	if got := reports[0].Calls[1].String(); got != "(1, 2)" {
		t.Errorf("second call = %s, want (1, 2)", got)
	}
}

func TestForwardingDoubleKeepsEveryResult(t *testing.T) {
	e := newEngine(t, `m = {}
function m.pair()
  return 1, 2
end
function main()
  a, b = m.pair()
  n = select("#", m.pair())
end
main()
`)
	installAtMain(t, e, "m.pair", true)

	tgt, _ := e.Target()
	for name, want := range map[string]lua.LValue{"a": lua.LNumber(1), "b": lua.LNumber(2), "n": lua.LNumber(2)} {
		got, err := tgt.Resolve(name)
		if err != nil {
			t.Errorf("Resolve(%s): %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}

func TestScriptDoubleForwardsNoResults(t *testing.T) {
	e := newEngine(t, `local function none() end
local f = double.forward(none)
n = select("#", f())
`)
	if err := e.Run(context.Background(), engine.ActionContinue, &recorder{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	tgt, _ := e.Target()
	if n, err := tgt.Resolve("n"); err != nil || n != lua.LNumber(0) {
		t.Errorf("n = %v, %v, want 0", n, err)
	}
}

func TestTemporaryBreakpointsAreAllRemoved(t *testing.T) {
	e := newEngine(t, adderScript)
	for _, temporary := range []bool{true, true, false} {
		if err := e.SetBreakpoint("add", temporary); err != nil {
			t.Fatal(err)
		}
	}

	fi := e.prog.functionsNamed("add")[0]
	if !e.hitBreakpoint(engine.PauseEntry, fi, fi.line) {
		t.Fatal("breakpoint on add not hit")
	}

	left := e.funcBPs[fi.id]
	if len(left) != 1 || left[0].temporary {
		t.Errorf("after the hit %d breakpoint(s) remain on add, want only the permanent one", len(left))
	}
}

func TestNonForwardingDoubleInLuaTable(t *testing.T) {
	e := newEngine(t, moduleScript)
	reg := installAtMain(t, e, "mod.fn", false)

	tgt, _ := e.Target()
	if _, err := tgt.Resolve("original_calls"); !errors.Is(err, double.ErrResolution) {
		t.Errorf("original ran: Resolve(original_calls) = %v", err)
	}
	if _, err := tgt.Resolve("result"); !errors.Is(err, double.ErrResolution) {
		t.Errorf("non-forwarding double returned a value: %v", err)
	}

	reports, _ := reg.CheckAll()
	if len(reports) != 1 || len(reports[0].Calls) != 2 {
		t.Fatalf("reports = %+v", reports)
	}
	if got := reports[0].Calls[0].String(); got != "(5)" {
		t.Errorf("first call = %s, want (5)", got)
	}
}

func TestInstallMissingAttribute(t *testing.T) {
	e := newEngine(t, moduleScript)
	tgt, _ := e.Target()
	inj := double.NewInjector(tgt, double.NewRegistry(tgt), nil)

	if err := e.SetBreakpoint("main", true); err != nil {
		t.Fatal(err)
	}
	var installErr error
	h := engine.HandlerFunc(func(context.Context, engine.Pause, engine.Frame) engine.Action {
		_, installErr = inj.Install("mod.nothing", false)
		return engine.ActionContinue
	})
	if err := e.Run(context.Background(), engine.ActionContinue, h); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(installErr, double.ErrAttributeNotFound) {
		t.Errorf("Install error = %v, want ErrAttributeNotFound", installErr)
	}
	if result, _ := tgt.Resolve("result"); result != lua.LNumber(6) {
		t.Errorf("program did not finish normally, result = %v", result)
	}
}

func TestScriptCreatedDoubles(t *testing.T) {
	src := `client = { send = double.new(true) }
function main()
  ok = client.send("a")
  client.send("b", 1)
  sent = double.count(client.send)
end
main()
`
	e := newEngine(t, src)
	if err := e.Run(context.Background(), engine.ActionContinue, &recorder{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tgt, _ := e.Target()
	reg := double.NewRegistry(tgt)
	if _, err := reg.Register("client"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reports, err := reg.CheckAll()
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if len(reports) != 1 || reports[0].Name != "client.send" {
		t.Fatalf("reports = %+v", reports)
	}
	if got := reports[0].Calls[1].String(); got != `("b", 1)` {
		t.Errorf("second call = %s", got)
	}
	if ok, _ := tgt.Resolve("ok"); ok != lua.LTrue {
		t.Errorf("ok = %v, want true", ok)
	}
	if sent, _ := tgt.Resolve("sent"); sent != lua.LNumber(2) {
		t.Errorf("sent = %v, want 2", sent)
	}
}

func TestAsyncHostFunction(t *testing.T) {
	fetch := double.AsyncFunc(func(_ context.Context, args []any, _ map[string]any) <-chan double.Result {
		ch := make(chan double.Result, 1)
		go func() {
			ch <- double.Result{Value: "body:" + args[0].(string)}
		}()
		return ch
	})

	src := `function main()
  body = net.fetch("x")
end
main()
`
	e := newEngine(t, src, WithModule("net", map[string]any{"fetch": fetch}))

	tgt, _ := e.Target()
	reg := double.NewRegistry(tgt)
	inj := double.NewInjector(tgt, reg, nil)
	if err := e.SetBreakpoint("main", true); err != nil {
		t.Fatal(err)
	}

	var installed *double.Double
	h := engine.HandlerFunc(func(context.Context, engine.Pause, engine.Frame) engine.Action {
		d, err := inj.Install("net.fetch", true)
		if err != nil {
			t.Errorf("Install: %v", err)
		}
		installed = d
		return engine.ActionContinue
	})
	if err := e.Run(context.Background(), engine.ActionContinue, h); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if installed == nil || installed.Variant() != double.VariantAsync {
		t.Fatalf("installed double = %v, want async variant", installed)
	}
	if body, _ := tgt.Resolve("body"); body != lua.LString("body:x") {
		t.Errorf("body = %v", body)
	}
	if installed.CallCount() != 1 {
		t.Errorf("CallCount = %d, want 1", installed.CallCount())
	}
}
