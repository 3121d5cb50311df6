// Package config loads autodbg settings.
//
// Settings are layered, lowest precedence first: built-in defaults, a
// configuration file (TOML or YAML), AUTODBG_* environment variables and
// finally command line flags, which the caller applies on top of Load's
// result before calling Validate.
package config

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dshills/autodbg/internal/logging"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "AUTODBG_"

// Engine kinds.
const (
	EngineLua = "lua"
	EngineDAP = "dap"
)

// Config holds every autodbg setting.
type Config struct {
	Session SessionConfig `toml:"session" yaml:"session" envPrefix:"SESSION_"`
	Mocks   MocksConfig   `toml:"mocks" yaml:"mocks" envPrefix:"MOCKS_"`
	Engine  EngineConfig  `toml:"engine" yaml:"engine" envPrefix:"ENGINE_"`
	Watch   WatchConfig   `toml:"watch" yaml:"watch" envPrefix:"WATCH_"`
	Logging LoggingConfig `toml:"logging" yaml:"logging" envPrefix:"LOG_"`
}

// SessionConfig configures the session controller.
type SessionConfig struct {
	// Function is the entry function.
	Function string `toml:"function" yaml:"function" env:"FUNCTION"`
	// Interactive hands every pause to the operator.
	Interactive bool `toml:"interactive" yaml:"interactive" env:"INTERACTIVE"`
	// AllLines visits every line of called functions in automated mode.
	AllLines bool `toml:"all_lines" yaml:"all_lines" env:"ALL_LINES"`
	// Breakpoints and TempBreakpoints are set before the program starts.
	Breakpoints     []string `toml:"breakpoints" yaml:"breakpoints" env:"BREAKPOINTS" envSeparator:","`
	TempBreakpoints []string `toml:"temp_breakpoints" yaml:"temp_breakpoints" env:"TEMP_BREAKPOINTS" envSeparator:","`
	// Commands run at every pause.
	Commands []string `toml:"commands" yaml:"commands" env:"COMMANDS" envSeparator:";"`
}

// MocksConfig lists the doubles set up at the first pause. Each entry is a
// comma separated list of dotted paths.
type MocksConfig struct {
	Register      []string `toml:"register" yaml:"register" env:"REGISTER" envSeparator:";"`
	Add           []string `toml:"add" yaml:"add" env:"ADD" envSeparator:";"`
	AddFunctional []string `toml:"add_functional" yaml:"add_functional" env:"ADD_FUNCTIONAL" envSeparator:";"`
}

// EngineConfig selects and configures the debug engine.
type EngineConfig struct {
	// Kind is EngineLua or EngineDAP.
	Kind string `toml:"kind" yaml:"kind" env:"KIND"`
	// Adapter names the DAP adapter preset.
	Adapter string `toml:"adapter" yaml:"adapter" env:"ADAPTER"`
	// AdapterPath overrides the adapter executable.
	AdapterPath string `toml:"adapter_path" yaml:"adapter_path" env:"ADAPTER_PATH"`
	// Launch is a JSON object merged into the adapter's launch arguments.
	Launch string `toml:"launch" yaml:"launch" env:"LAUNCH"`
}

// WatchConfig configures live reload.
type WatchConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled" env:"ENABLED"`
	// DebounceMS is the window in milliseconds used to coalesce file events.
	DebounceMS int `toml:"debounce_ms" yaml:"debounce_ms" env:"DEBOUNCE_MS"`
}

// LoggingConfig configures operational logs.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" env:"LEVEL"`
	// File receives logs instead of stderr when set.
	File string `toml:"file" yaml:"file" env:"FILE"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			Function: "main",
			AllLines: true,
		},
		Engine: EngineConfig{
			Kind:    EngineLua,
			Adapter: "python",
		},
		Watch: WatchConfig{
			DebounceMS: 100,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Validate checks the settings and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if strings.TrimSpace(c.Session.Function) == "" {
		errs = append(errs, &ValidationError{Path: "session.function", Message: "must not be empty", Value: c.Session.Function})
	}

	switch c.Engine.Kind {
	case EngineLua, EngineDAP:
	default:
		errs = append(errs, &ValidationError{
			Path:    "engine.kind",
			Message: fmt.Sprintf("must be %q or %q", EngineLua, EngineDAP),
			Value:   c.Engine.Kind,
		})
	}
	if c.Engine.Kind == EngineDAP && c.Engine.Adapter == "" {
		errs = append(errs, &ValidationError{Path: "engine.adapter", Message: "required for the dap engine", Value: ""})
	}
	if c.Engine.Launch != "" && !(gjson.Valid(c.Engine.Launch) && gjson.Parse(c.Engine.Launch).IsObject()) {
		errs = append(errs, &ValidationError{Path: "engine.launch", Message: "must be a JSON object", Value: c.Engine.Launch})
	}

	if c.Watch.DebounceMS < 0 {
		errs = append(errs, &ValidationError{Path: "watch.debounce_ms", Message: "must not be negative", Value: c.Watch.DebounceMS})
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, &ValidationError{
			Path:    "logging.level",
			Message: "must be debug, info, warn or error",
			Value:   c.Logging.Level,
		})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
