// Package app wires configuration, engines, sessions and the reloader
// into the autodbg command.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/dshills/autodbg/internal/config"
	"github.com/dshills/autodbg/internal/engine"
	"github.com/dshills/autodbg/internal/engine/dap"
	"github.com/dshills/autodbg/internal/engine/luavm"
	"github.com/dshills/autodbg/internal/logging"
	"github.com/dshills/autodbg/internal/session"
	"github.com/dshills/autodbg/internal/watch"
)

// Options configures the application.
type Options struct {
	// Config holds validated settings.
	Config *config.Config

	// Script is the program to debug.
	Script string

	// Stdin, Stdout and Stderr default to the process streams. Reports go
	// to Stdout, logs to Stderr unless a log file is configured.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Application runs debug sessions over one script.
type Application struct {
	cfg      *config.Config
	script   string
	logger   *logging.Logger
	reporter *session.Reporter
	operator session.Operator
	logFile  *os.File

	mu      sync.Mutex
	current *session.Controller
	cancel  context.CancelFunc
	running atomic.Bool
}

// New validates opts and prepares the application.
func New(opts Options) (*Application, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	script, err := filepath.Abs(opts.Script)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(script); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%s: %w", opts.Script, ErrScriptNotFound)
	}

	app := &Application{
		cfg:      opts.Config,
		script:   script,
		reporter: session.NewReporter(opts.Stdout),
	}

	logOut := opts.Stderr
	if path := opts.Config.Logging.File; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, NewComponentError("logging", "open log file", err)
		}
		app.logFile = f
		logOut = f
	}
	app.logger = logging.New(logging.Config{
		Level:  logging.ParseLevel(opts.Config.Logging.Level),
		Output: logOut,
		Prefix: "autodbg",
	})

	if opts.Config.Session.Interactive {
		app.operator = session.NewLineOperator(opts.Stdin, opts.Stdout, isTerminal(opts.Stdin))
	}
	return app, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Run debugs the script until the program ends, or with watching enabled
// until ctx is done or Shutdown is called. A session that cannot reach its
// entry function is returned as a *session.StartupError when not watching.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	app.mu.Lock()
	app.cancel = cancel
	app.mu.Unlock()
	defer cancel()

	if app.cfg.Watch.Enabled {
		return app.watch(ctx)
	}

	sess, err := app.launch(ctx, app.script)
	if err != nil {
		return err
	}
	return sess.Run(ctx)
}

func (app *Application) watch(ctx context.Context) error {
	src, err := watch.NewFSSource(app.script,
		watch.WithDebounce(time.Duration(app.cfg.Watch.DebounceMS)*time.Millisecond),
		watch.WithSourceLogger(app.logger))
	if err != nil {
		return NewComponentError("watch", "watch script", err)
	}
	defer src.Close()

	r := watch.NewReloader(app.script, app.launch, watch.WithLogger(app.logger))
	app.logger.Info("watching %s", app.script)
	return r.Run(ctx, src)
}

// launch builds an engine and a session for the script at path.
func (app *Application) launch(_ context.Context, path string) (watch.Session, error) {
	eng, err := app.newEngine(path)
	if err != nil {
		return nil, NewComponentError("engine", "load "+path, err)
	}

	sc := app.cfg.Session
	var mode session.Mode = session.Automated{AllLines: sc.AllLines}
	if sc.Interactive {
		mode = session.Interactive{}
	}

	c, err := session.New(eng, session.Config{
		Function:           sc.Function,
		Mode:               mode,
		Breakpoints:        sc.Breakpoints,
		TempBreakpoints:    sc.TempBreakpoints,
		Commands:           sc.Commands,
		RegisterMocks:      app.cfg.Mocks.Register,
		AddMocks:           app.cfg.Mocks.Add,
		AddFunctionalMocks: app.cfg.Mocks.AddFunctional,
		Operator:           app.operator,
		Reporter:           app.reporter,
		Logger:             app.logger,
	})
	if err != nil {
		eng.Close()
		return nil, NewComponentError("session", "create", err)
	}

	app.mu.Lock()
	app.current = c
	app.mu.Unlock()
	return c, nil
}

func (app *Application) newEngine(path string) (engine.Engine, error) {
	switch app.cfg.Engine.Kind {
	case config.EngineLua:
		eng, err := luavm.New(path, luavm.WithLogger(app.logger))
		if err != nil {
			return nil, err
		}
		return eng, nil
	case config.EngineDAP:
		preset, err := dap.LookupPreset(app.cfg.Engine.Adapter)
		if err != nil {
			return nil, err
		}
		eng, err := dap.New(path, preset,
			dap.WithLogger(app.logger),
			dap.WithDialer(preset.Dialer(app.cfg.Engine.AdapterPath)),
			dap.WithLaunchOverrides(app.cfg.Engine.Launch))
		if err != nil {
			return nil, err
		}
		return eng, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", app.cfg.Engine.Kind)
	}
}

// Shutdown quits the live session and stops Run. It is safe from any
// goroutine, including a signal handler.
func (app *Application) Shutdown() {
	app.mu.Lock()
	current, cancel := app.current, app.cancel
	app.mu.Unlock()

	if current != nil {
		current.Quit()
	}
	if cancel != nil {
		cancel()
	}
}

// Close releases the log file.
func (app *Application) Close() error {
	if app.logFile == nil {
		return nil
	}
	return app.logFile.Close()
}

// IsStartupError reports whether err means the entry function was missing.
func IsStartupError(err error) bool {
	return errors.Is(err, session.ErrStartup)
}
