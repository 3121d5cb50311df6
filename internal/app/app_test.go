package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dshills/autodbg/internal/config"
	"github.com/dshills/autodbg/internal/session"
)

const script = `calls = 0
local function greet(name)
  calls = calls + 1
  return "hi " .. name
end
function main()
  local msg = greet("bob")
  return msg
end
main()
`

func writeScript(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.lua")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newApp(t *testing.T, cfg *config.Config, path string, stdin string) (*Application, *bytes.Buffer) {
	t.Helper()
	var out, logs bytes.Buffer
	a, err := New(Options{
		Config: cfg,
		Script: path,
		Stdin:  strings.NewReader(stdin),
		Stdout: &out,
		Stderr: &logs,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, &out
}

func TestRunAutomated(t *testing.T) {
	cfg := config.Default()
	a, out := newApp(t, cfg, writeScript(t, script), "")

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := out.String()
	for _, want := range []string{
		`8: local variable msg has been created with value "hi bob"`,
		"8: global variable calls has changed from 0 to 1",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("report is missing %q:\n%s", want, report)
		}
	}
}

func TestRunInteractive(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Interactive = true
	cfg.Session.Function = "greet"
	a, out := newApp(t, cfg, writeScript(t, script), "print name\ncontinue\n")

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	report := out.String()
	if n := strings.Count(report, `2: name = "bob"`); n != 2 {
		t.Errorf("want the argument report and the print answer, got %d:\n%s", n, report)
	}
	if strings.Contains(report, "(autodbg)") {
		t.Errorf("prompt printed for a non-terminal:\n%s", report)
	}
}

func TestRunMissingEntryFunction(t *testing.T) {
	cfg := config.Default()
	cfg.Session.Function = "absent"
	a, _ := newApp(t, cfg, writeScript(t, script), "")

	err := a.Run(context.Background())
	var se *session.StartupError
	if !errors.As(err, &se) || !IsStartupError(err) {
		t.Fatalf("Run = %v, want *session.StartupError", err)
	}
}

func TestRunTwice(t *testing.T) {
	cfg := config.Default()
	cfg.Watch.Enabled = true
	a, _ := newApp(t, cfg, writeScript(t, script), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !a.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := a.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	a.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestNewErrors(t *testing.T) {
	path := writeScript(t, script)

	tests := []struct {
		name   string
		cfg    func() *config.Config
		script string
		want   error
	}{
		{"missing script", config.Default, filepath.Join(t.TempDir(), "none.lua"), ErrScriptNotFound},
		{"script is a directory", config.Default, t.TempDir(), ErrScriptNotFound},
		{"invalid config", func() *config.Config {
			c := config.Default()
			c.Engine.Kind = "gdb"
			return c
		}, path, config.ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Config: tt.cfg(), Script: tt.script})
			if !errors.Is(err, tt.want) {
				t.Errorf("New = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLaunchErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		src    string
	}{
		{"syntax error", func(*config.Config) {}, "function main(\n"},
		{"unknown adapter", func(c *config.Config) { c.Engine.Kind = config.EngineDAP; c.Engine.Adapter = "gdb" }, script},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			a, _ := newApp(t, cfg, writeScript(t, tt.src), "")

			err := a.Run(context.Background())
			var ce *ComponentError
			if !errors.As(err, &ce) || ce.Component != "engine" {
				t.Errorf("Run = %v, want engine ComponentError", err)
			}
		})
	}
}
