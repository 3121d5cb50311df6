package session

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/dshills/autodbg/internal/diff"
	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
)

// Command names shared by the automated queues and the operator.
const (
	cmdArgs           = "report-call-args"
	cmdDiffLocals     = "diff-locals"
	cmdDiffGlobals    = "diff-globals"
	cmdSideEffects    = "report-side-effects"
	cmdAllSideEffects = "report-all-side-effects"
	cmdRegister       = "register-mock-path"
	cmdInstall        = "install-mock"
	cmdInstallForward = "install-functional-mock"
	cmdNext           = "next"
	cmdStep           = "step"
	cmdReturn         = "return"
	cmdContinue       = "continue"
	cmdBreak          = "break"
	cmdTBreak         = "tbreak"
	cmdPrint          = "print"
	cmdWhere          = "where"
	cmdHelp           = "help"
	cmdQuit           = "quit"
)

// outcome is the result of running one command. resume is set when the
// command ends the pause with action.
type outcome struct {
	action engine.Action
	resume bool
}

type command struct {
	name    string
	aliases []string
	usage   string
	help    string
	// paused commands need a paused frame.
	paused bool
	run    func(c *Controller, ctx context.Context, arg string) outcome
}

var commands []*command

var commandIndex = map[string]*command{}

func init() {
	commands = []*command{
		{name: cmdArgs, aliases: []string{"args", "a"}, paused: true,
			help: "report the arguments of the paused function", run: (*Controller).reportArgs},
		{name: cmdDiffLocals, paused: true,
			help: "report local bindings changed since the previous diff", run: (*Controller).diffLocals},
		{name: cmdDiffGlobals, paused: true,
			help: "report global bindings changed since the previous diff", run: (*Controller).diffGlobals},
		{name: cmdSideEffects, usage: "<path>",
			help: "report new calls to the doubles under path", run: (*Controller).reportSideEffects},
		{name: cmdAllSideEffects,
			help: "report new calls to every registered double", run: (*Controller).reportAllSideEffects},
		{name: cmdRegister, usage: "<path>[,<path>...]",
			help: "report calls to doubles created by the program under path", run: (*Controller).registerMocks},
		{name: cmdInstall, usage: "<path>[,<path>...]",
			help: "replace path with a recording double", run: (*Controller).installMocks},
		{name: cmdInstallForward, usage: "<path>[,<path>...]",
			help: "replace path with a recording double that still calls it", run: (*Controller).installFunctionalMocks},
		{name: cmdNext, aliases: []string{"n"}, help: "run to the next line of this function",
			run: resumeWith(engine.ActionNext)},
		{name: cmdStep, aliases: []string{"s"}, help: "run to the next line, entering calls",
			run: resumeWith(engine.ActionStep)},
		{name: cmdReturn, aliases: []string{"r"}, help: "run until the function returns",
			run: resumeWith(engine.ActionReturn)},
		{name: cmdContinue, aliases: []string{"c", "cont"}, help: "run to the next breakpoint",
			run: resumeWith(engine.ActionContinue)},
		{name: cmdBreak, aliases: []string{"b"}, usage: "<function|line|file:line>",
			help: "set a breakpoint", run: breakpointWith(false)},
		{name: cmdTBreak, usage: "<function|line|file:line>",
			help: "set a breakpoint removed when first hit", run: breakpointWith(true)},
		{name: cmdPrint, aliases: []string{"p"}, usage: "<expr>", paused: true,
			help: "evaluate an expression in the paused frame", run: (*Controller).print},
		{name: cmdWhere, aliases: []string{"w"}, paused: true,
			help: "show where the program is paused", run: (*Controller).where},
		{name: cmdHelp, aliases: []string{"h", "?"},
			help: "list commands", run: (*Controller).help},
		{name: cmdQuit, aliases: []string{"q", "exit"},
			help: "stop the program and end the session", run: resumeWith(engine.ActionQuit)},
	}
	for _, cmd := range commands {
		commandIndex[cmd.name] = cmd
		for _, alias := range cmd.aliases {
			commandIndex[alias] = cmd
		}
	}
}

// lookupCommand splits line into a command and its argument.
func lookupCommand(line string) (*command, string, bool) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	cmd, ok := commandIndex[name]
	return cmd, strings.TrimSpace(arg), ok
}

func resumeWith(action engine.Action) func(*Controller, context.Context, string) outcome {
	return func(*Controller, context.Context, string) outcome {
		return outcome{action: action, resume: true}
	}
}

func breakpointWith(temporary bool) func(*Controller, context.Context, string) outcome {
	return func(c *Controller, _ context.Context, arg string) outcome {
		if arg == "" {
			c.report("usage: break <function|line|file:line>")
			return outcome{}
		}
		if err := c.eng.SetBreakpoint(arg, temporary); err != nil {
			c.report("cannot set breakpoint at %s: %v", arg, err)
			return outcome{}
		}
		c.logger.Debug("breakpoint at %s (temporary=%t)", arg, temporary)
		return outcome{}
	}
}

func (c *Controller) reportArgs(_ context.Context, _ string) outcome {
	args, err := c.frame.Args()
	if err != nil {
		c.report("cannot read arguments: %v", err)
		return outcome{}
	}
	for _, name := range sortedNames(args) {
		c.report("%s = %s", name, diff.Format(args[name]))
	}
	return outcome{}
}

func (c *Controller) diffLocals(_ context.Context, _ string) outcome {
	c.diffScope(diff.ScopeLocal, c.frame.Locals)
	return outcome{}
}

func (c *Controller) diffGlobals(_ context.Context, _ string) outcome {
	c.diffScope(diff.ScopeGlobal, c.frame.Globals)
	return outcome{}
}

func (c *Controller) diffScope(scope diff.Scope, read func() (diff.Snapshot, error)) {
	snap, err := read()
	if err != nil {
		c.report("cannot read %s variables: %v", scope, err)
		return
	}
	for _, change := range c.baseline.Observe(scope, snap) {
		c.report("%s", change)
	}
}

func (c *Controller) reportSideEffects(_ context.Context, arg string) outcome {
	if arg == "" {
		c.report("usage: %s <path>", cmdSideEffects)
		return outcome{}
	}
	reports, err := c.registry.CheckPath(arg)
	if err != nil {
		c.report("%v", err)
	}
	c.reportCalls(reports)
	return outcome{}
}

func (c *Controller) reportAllSideEffects(_ context.Context, _ string) outcome {
	reports, err := c.registry.CheckAll()
	c.reportCalls(reports)
	if err != nil {
		c.report("%v", err)
	}
	return outcome{}
}

func (c *Controller) reportCalls(reports []double.Report) {
	for _, r := range reports {
		for _, call := range r.Calls {
			c.report("%s was called with args: %s", r.Name, call)
		}
	}
}

func (c *Controller) registerMocks(_ context.Context, arg string) outcome {
	for _, path := range double.SplitList(arg) {
		if _, err := c.registry.Register(path); err != nil {
			c.report("cannot register %s: %v", path, err)
			continue
		}
		c.logger.Info("registered %s", path)
	}
	return outcome{}
}

func (c *Controller) installMocks(_ context.Context, arg string) outcome {
	c.install(arg, false)
	return outcome{}
}

func (c *Controller) installFunctionalMocks(_ context.Context, arg string) outcome {
	c.install(arg, true)
	return outcome{}
}

func (c *Controller) install(list string, keepFunctionality bool) {
	for _, path := range double.SplitList(list) {
		d, err := c.injector.Install(path, keepFunctionality)
		switch {
		case errors.Is(err, double.ErrAttributeNotFound):
			c.report("%v; skipped", err)
		case err != nil && d == nil:
			c.report("cannot install %s: %v", path, err)
		case err != nil:
			c.report("installed %s but %v", path, err)
		}
	}
}

func (c *Controller) print(_ context.Context, arg string) outcome {
	if arg == "" {
		c.report("usage: print <expr>")
		return outcome{}
	}
	value, err := c.frame.Eval(arg)
	if err != nil {
		c.report("%v", err)
		return outcome{}
	}
	c.report("%s = %s", arg, value)
	return outcome{}
}

func (c *Controller) where(_ context.Context, _ string) outcome {
	p := c.pause
	c.report("%s in %s at %s:%d (depth %d)", p.Kind, p.Function, p.Source, p.Line, p.Depth)
	return outcome{}
}

func (c *Controller) help(_ context.Context, _ string) outcome {
	for _, cmd := range commands {
		names := cmd.name
		if len(cmd.aliases) > 0 {
			names += " (" + strings.Join(cmd.aliases, ", ") + ")"
		}
		if cmd.usage != "" {
			names += " " + cmd.usage
		}
		c.reporter.Println("  " + names + "\n      " + cmd.help)
	}
	return outcome{}
}

func sortedNames(s diff.Snapshot) []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
