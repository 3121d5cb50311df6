// Package session drives a debug engine through a program.
//
// A Controller reacts to every pause the engine delivers. At each pause it
// fills a queue of report commands for the pause kind (call arguments,
// binding diffs, new calls to doubles) followed by the configured extra
// commands, runs them, and ends the pause with exactly one resume command.
// Which resume command, if any, is chosen by the Mode: Automated resumes on
// its own, Interactive hands the pause to an Operator.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dshills/autodbg/internal/diff"
	"github.com/dshills/autodbg/internal/double"
	"github.com/dshills/autodbg/internal/engine"
	"github.com/dshills/autodbg/internal/logging"
)

// DefaultFunction is the entry function used when none is configured.
const DefaultFunction = "main"

// State is the controller's position in a session.
type State int

const (
	// StateIdle is before Run.
	StateIdle State = iota
	// StateEntry is a pause on entry to a function.
	StateEntry
	// StateLine is a pause before a source line.
	StateLine
	// StateReturn is a pause before a function returns.
	StateReturn
	// StateInteractive is a pause waiting for the operator.
	StateInteractive
	// StateTerminated is after Run returned.
	StateTerminated
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEntry:
		return "entry"
	case StateLine:
		return "line"
	case StateReturn:
		return "return"
	case StateInteractive:
		return "interactive"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func stateFor(k engine.PauseKind) State {
	switch k {
	case engine.PauseEntry:
		return StateEntry
	case engine.PauseReturn:
		return StateReturn
	default:
		return StateLine
	}
}

// Config configures a Controller.
type Config struct {
	// Function is the entry function the program runs to before the first
	// pause. Defaults to DefaultFunction.
	Function string

	// Mode selects automated or interactive pauses. Defaults to
	// Automated{AllLines: true}.
	Mode Mode

	// Breakpoints and TempBreakpoints are set before the program starts.
	Breakpoints     []string
	TempBreakpoints []string

	// Commands run at every pause after the report commands.
	Commands []string

	// RegisterMocks, AddMocks and AddFunctionalMocks are comma separated
	// path lists set up at the first pause.
	RegisterMocks      []string
	AddMocks           []string
	AddFunctionalMocks []string

	// Operator supplies interactive commands. Required in interactive mode.
	Operator Operator

	// Reporter receives reports. Defaults to stdout.
	Reporter *Reporter

	// Baseline holds the previous snapshots. A new one is created when nil;
	// a baseline already claimed by another session is rejected.
	Baseline *diff.Baseline

	// Logger receives operational logs.
	Logger *logging.Logger
}

// Controller runs one debug session over one engine.
type Controller struct {
	id       string
	cfg      Config
	mode     Mode
	eng      engine.Engine
	operator Operator
	reporter *Reporter
	logger   *logging.Logger
	baseline *diff.Baseline
	registry *double.Registry
	injector *double.Injector

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	quit    atomic.Bool
	started bool

	// Owned by the goroutine running the engine.
	pause       engine.Pause
	frame       engine.Frame
	paused      bool
	pauses      int
	lastCommand string
}

// New creates a controller for eng. The controller owns eng and closes it
// when Run returns.
func New(eng engine.Engine, cfg Config) (*Controller, error) {
	if cfg.Function == "" {
		cfg.Function = DefaultFunction
	}
	if cfg.Mode == nil {
		cfg.Mode = Automated{AllLines: true}
	}
	if _, ok := cfg.Mode.(Interactive); ok && cfg.Operator == nil {
		return nil, errors.New("interactive mode requires an operator")
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewReporter(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Baseline == nil {
		cfg.Baseline = diff.NewBaseline()
	}

	id := uuid.NewString()
	if err := cfg.Baseline.Claim(id); err != nil {
		return nil, err
	}

	target, _ := eng.Target()
	if target == nil {
		target = double.Unavailable("engine exposes no object graph")
	}

	logger := cfg.Logger.WithComponent("session").WithField("session", id[:8])
	registry := double.NewRegistry(target, double.WithRegistryLogger(logger))

	return &Controller{
		id:       id,
		cfg:      cfg,
		mode:     cfg.Mode,
		eng:      eng,
		operator: cfg.Operator,
		reporter: cfg.Reporter,
		logger:   logger,
		baseline: cfg.Baseline,
		registry: registry,
		injector: double.NewInjector(target, registry, logger),
	}, nil
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Registry returns the session's call recorder registry.
func (c *Controller) Registry() *double.Registry {
	return c.registry
}

// Run sets the startup breakpoints, runs the program to its entry function
// and handles every pause until the program ends or Quit is called.
// Ending because of Quit is not an error. A missing entry function is
// returned as a *StartupError.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session already ran")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.setState(StateTerminated)
		c.eng.Close()
	}()

	if c.quit.Load() {
		return nil
	}

	c.logger.Info("session started (%s, entry %s)", c.mode, c.cfg.Function)
	first, err := c.startup(ctx)
	if err != nil {
		return err
	}

	err = c.eng.Run(ctx, first, c)
	switch {
	case err == nil:
		c.logger.Info("program finished")
		return nil
	case errors.Is(err, engine.ErrQuit) || c.quit.Load():
		c.logger.Info("session quit")
		return nil
	case errors.Is(err, engine.ErrNoSuchFunction) && c.pauses == 0:
		// Engines that resolve functions only once the program is loaded
		// report a missing entry function from Run.
		return &StartupError{Function: c.cfg.Function, Err: err}
	}
	return err
}

// startupQueue lists the commands that bring the program to its entry
// function.
func (c *Controller) startupQueue() []string {
	var queue []string
	for _, loc := range c.cfg.Breakpoints {
		queue = append(queue, cmdBreak+" "+loc)
	}
	for _, loc := range c.cfg.TempBreakpoints {
		queue = append(queue, cmdTBreak+" "+loc)
	}
	return append(queue, cmdTBreak+" "+c.cfg.Function, cmdContinue)
}

// startup runs the startup queue and returns the first resume action.
func (c *Controller) startup(ctx context.Context) (engine.Action, error) {
	entry := cmdTBreak + " " + c.cfg.Function
	for _, line := range c.startupQueue() {
		if line == entry {
			if err := c.eng.SetBreakpoint(c.cfg.Function, true); err != nil {
				return engine.ActionQuit, &StartupError{Function: c.cfg.Function, Err: err}
			}
			continue
		}
		if out := c.execute(ctx, line); out.resume {
			return out.action, nil
		}
	}
	return engine.ActionContinue, nil
}

// OnPause implements engine.Handler.
func (c *Controller) OnPause(ctx context.Context, p engine.Pause, f engine.Frame) engine.Action {
	if c.quit.Load() {
		return engine.ActionQuit
	}

	c.pause, c.frame, c.paused = p, f, true
	defer func() {
		c.frame, c.paused = nil, false
	}()
	c.pauses++
	c.setState(stateFor(p.Kind))
	c.logger.Debug("%s pause in %s at line %d (%s)", p.Kind, p.Function, p.Line, p.Reason)

	for _, line := range c.pauseQueue(p.Kind) {
		if out := c.execute(ctx, line); out.resume {
			return out.action
		}
		if c.quit.Load() {
			return engine.ActionQuit
		}
	}

	if c.operator == nil {
		return engine.ActionContinue
	}
	return c.interact(ctx)
}

// pauseQueue builds the command queue for one pause: mock setup at the
// first pause, the report commands for kind, the configured extra commands
// and the mode's resume command.
func (c *Controller) pauseQueue(kind engine.PauseKind) []string {
	var queue []string
	if c.pauses == 1 {
		for _, list := range c.cfg.RegisterMocks {
			queue = append(queue, cmdRegister+" "+list)
		}
		for _, list := range c.cfg.AddMocks {
			queue = append(queue, cmdInstall+" "+list)
		}
		for _, list := range c.cfg.AddFunctionalMocks {
			queue = append(queue, cmdInstallForward+" "+list)
		}
	}

	switch kind {
	case engine.PauseLine:
		queue = append(queue, cmdArgs, cmdDiffLocals, cmdDiffGlobals, cmdAllSideEffects)
	default:
		queue = append(queue, cmdArgs, cmdAllSideEffects)
	}
	queue = append(queue, c.cfg.Commands...)

	if resume := c.mode.Resume(kind); resume != "" {
		queue = append(queue, resume)
	}
	return queue
}

// interact hands the pause to the operator until a resume command.
func (c *Controller) interact(ctx context.Context) engine.Action {
	c.setState(StateInteractive)
	for {
		line, err := c.operator.ReadCommand(ctx, "(autodbg) ")
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.logger.Error("read command: %v", err)
			}
			return engine.ActionQuit
		}

		if strings.TrimSpace(line) == "" {
			line = c.lastCommand
			if line == "" {
				continue
			}
		}
		c.lastCommand = line

		if out := c.execute(ctx, line); out.resume {
			return out.action
		}
		if c.quit.Load() {
			return engine.ActionQuit
		}
	}
}

// execute runs one command line. Failures are reported, never returned.
func (c *Controller) execute(ctx context.Context, line string) outcome {
	cmd, arg, ok := lookupCommand(line)
	if !ok {
		c.report("unknown command %q (type help)", strings.TrimSpace(line))
		return outcome{}
	}
	if cmd.paused && !c.paused {
		c.report("%s: the program is not paused", cmd.name)
		return outcome{}
	}
	return cmd.run(c, ctx, arg)
}

// report writes a report tagged with the current line.
func (c *Controller) report(format string, args ...any) {
	line := 0
	if c.paused {
		line = c.pause.Line
	}
	c.reporter.Report(line, format, args...)
}

// Quit ends the session. It is safe from any goroutine, at any state, and
// unblocks an operator prompt.
func (c *Controller) Quit() {
	if c.quit.Swap(true) {
		return
	}
	c.logger.Debug("quit requested")
	c.eng.Quit()

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// String describes the session for logs.
func (c *Controller) String() string {
	return fmt.Sprintf("session %s (%s)", c.id[:8], c.State())
}
