// Package main is the entry point for autodbg.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dshills/autodbg/internal/app"
	"github.com/dshills/autodbg/internal/config"
	"github.com/dshills/autodbg/internal/session"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, " ") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

type flags struct {
	configPath  string
	function    string
	interactive bool
	allLines    bool
	watch       bool
	breakpoints stringList
	tempBreaks  stringList
	commands    stringList
	register    stringList
	add         stringList
	addFunc     stringList
	engine      string
	adapter     string
	adapterPath string
	launch      string
	logLevel    string
}

func main() {
	os.Exit(run())
}

func run() int {
	f, script := parseFlags()

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	application, err := app.New(app.Options{Config: cfg, Script: script})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}
	defer application.Close()

	// Handle signals for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		if _, ok := <-signals; ok {
			application.Shutdown()
		}
	}()

	if err := application.Run(context.Background()); err != nil {
		if app.IsStartupError(err) {
			fmt.Fprintf(os.Stderr, "Error: startup failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func parseFlags() (*flags, string) {
	var f flags
	var showVersion bool
	var showHelp bool

	flag.StringVar(&f.configPath, "config", "", "Path to configuration file (default: discovered in the current directory)")
	flag.StringVar(&f.configPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&f.function, "function", session.DefaultFunction, "Entry function to stop in")
	flag.StringVar(&f.function, "f", session.DefaultFunction, "Entry function to stop in (shorthand)")
	flag.BoolVar(&f.interactive, "interactive", false, "Prompt for commands at every pause")
	flag.BoolVar(&f.interactive, "i", false, "Prompt for commands at every pause (shorthand)")
	flag.BoolVar(&f.allLines, "all-lines", true, "Visit every line of called functions in automated mode")
	flag.BoolVar(&f.watch, "watch", false, "Restart the session when the script changes")
	flag.Var(&f.breakpoints, "breakpoint", "Breakpoint location: function, line or file:line (repeatable)")
	flag.Var(&f.tempBreaks, "tbreakpoint", "Temporary breakpoint location (repeatable)")
	flag.Var(&f.commands, "command", "Debugger command run at every pause (repeatable)")
	flag.Var(&f.register, "register-mocks", "Comma separated paths whose calls are reported (repeatable)")
	flag.Var(&f.add, "add-mocks", "Comma separated paths replaced by recording doubles (repeatable)")
	flag.Var(&f.addFunc, "add-functional-mocks", "Comma separated paths wrapped by forwarding doubles (repeatable)")
	flag.StringVar(&f.engine, "engine", config.EngineLua, "Debug engine (lua, dap)")
	flag.StringVar(&f.adapter, "adapter", "python", "DAP adapter preset (python, delve)")
	flag.StringVar(&f.adapterPath, "adapter-path", "", "DAP adapter executable")
	flag.StringVar(&f.launch, "launch", "", "JSON object merged into the DAP launch arguments")
	flag.StringVar(&f.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "autodbg - scripted debugger that reports state changes\n\n")
		fmt.Fprintf(os.Stderr, "Usage: autodbg [options] <script>\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  autodbg prog.lua                          Report every line of main\n")
		fmt.Fprintf(os.Stderr, "  autodbg -all-lines=false -f run prog.lua  Report call boundaries of run\n")
		fmt.Fprintf(os.Stderr, "  autodbg -i -watch prog.lua                Debug interactively, reload on save\n")
		fmt.Fprintf(os.Stderr, "  autodbg -add-mocks net.fetch prog.lua     Replace net.fetch and report its calls\n")
		fmt.Fprintf(os.Stderr, "  autodbg -engine dap -adapter delve ./cmd  Debug a Go program through delve\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("autodbg %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	return &f, flag.Arg(0)
}

// loadConfig layers the flags that were given explicitly over the file and
// environment settings.
func loadConfig(f *flags) (*config.Config, error) {
	path := f.configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.Discover(wd)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "function", "f":
			cfg.Session.Function = f.function
		case "interactive", "i":
			cfg.Session.Interactive = f.interactive
		case "all-lines":
			cfg.Session.AllLines = f.allLines
		case "watch":
			cfg.Watch.Enabled = f.watch
		case "breakpoint":
			cfg.Session.Breakpoints = f.breakpoints
		case "tbreakpoint":
			cfg.Session.TempBreakpoints = f.tempBreaks
		case "command":
			cfg.Session.Commands = f.commands
		case "register-mocks":
			cfg.Mocks.Register = f.register
		case "add-mocks":
			cfg.Mocks.Add = f.add
		case "add-functional-mocks":
			cfg.Mocks.AddFunctional = f.addFunc
		case "engine":
			cfg.Engine.Kind = f.engine
		case "adapter":
			cfg.Engine.Adapter = f.adapter
		case "adapter-path":
			cfg.Engine.AdapterPath = f.adapterPath
		case "launch":
			cfg.Engine.Launch = f.launch
		case "log-level":
			cfg.Logging.Level = f.logLevel
		}
	})
	return cfg, nil
}
