package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Dialer starts or connects to a debug adapter.
type Dialer func(ctx context.Context) (Transport, error)

// Preset describes a debug adapter and the launch arguments it expects.
type Preset struct {
	// Name is the preset name used on the command line.
	Name string

	// AdapterID is sent in the initialize request.
	AdapterID string

	// Command starts the adapter.
	Command []string

	// Socket is set for adapters that only speak DAP over TCP. The listen
	// address is appended to Command as "--listen host:port".
	Socket bool

	// Launch holds the base launch arguments as a JSON object.
	Launch string
}

var presets = map[string]Preset{
	"python": {
		Name:      "python",
		AdapterID: "debugpy",
		Command:   []string{"python3", "-m", "debugpy.adapter"},
		Launch:    `{"type":"python","request":"launch","console":"internalConsole","justMyCode":true,"redirectOutput":true}`,
	},
	"delve": {
		Name:      "delve",
		AdapterID: "go",
		Command:   []string{"dlv", "dap"},
		Socket:    true,
		Launch:    `{"request":"launch","mode":"debug","stackTraceDepth":50,"showGlobalVariables":true}`,
	},
}

// LookupPreset returns the preset called name.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown adapter %q (available: %v)", name, PresetNames())
	}
	return p, nil
}

// PresetNames returns the known preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LaunchArguments returns the launch request arguments for program.
// overrides is an optional JSON object whose members replace or extend the
// preset's arguments.
func (p Preset) LaunchArguments(program string, stopOnEntry bool, overrides string) (json.RawMessage, error) {
	args := []byte(p.Launch)
	if len(args) == 0 {
		args = []byte("{}")
	}

	abs, err := filepath.Abs(program)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", program, err)
	}

	set := func(path string, value any) {
		if err == nil {
			args, err = sjson.SetBytes(args, path, value)
		}
	}
	set("program", abs)
	set("cwd", filepath.Dir(abs))
	set("stopOnEntry", stopOnEntry)

	if overrides != "" {
		if !gjson.Valid(overrides) || !gjson.Parse(overrides).IsObject() {
			return nil, fmt.Errorf("launch overrides must be a JSON object")
		}
		gjson.Parse(overrides).ForEach(func(key, value gjson.Result) bool {
			args, err = sjson.SetRawBytes(args, key.String(), []byte(value.Raw))
			return err == nil
		})
	}
	if err != nil {
		return nil, fmt.Errorf("build launch arguments: %w", err)
	}
	return json.RawMessage(args), nil
}

// Dialer returns a Dialer that starts the adapter. adapterPath, when set,
// replaces the executable of Command.
func (p Preset) Dialer(adapterPath string) Dialer {
	return func(ctx context.Context) (Transport, error) {
		if len(p.Command) == 0 {
			return nil, fmt.Errorf("adapter %s has no command", p.Name)
		}
		name := p.Command[0]
		if adapterPath != "" {
			name = adapterPath
		}
		path, err := exec.LookPath(name)
		if err != nil {
			return nil, fmt.Errorf("%s not found in PATH: %w", name, err)
		}
		args := append([]string(nil), p.Command[1:]...)

		if !p.Socket {
			cmd := exec.Command(path, args...)
			cmd.Stderr = os.Stderr
			return NewStdioTransport(cmd)
		}

		addr, err := freeAddress()
		if err != nil {
			return nil, err
		}
		cmd := exec.Command(path, append(args, "--listen", addr)...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", path, err)
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		t, err := DialTransport(dialCtx, addr)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return nil, err
		}
		return &processTransport{StreamTransport: t, cmd: cmd}, nil
	}
}

func freeAddress() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("find free port: %w", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}

// processTransport is a socket transport that owns the adapter process.
type processTransport struct {
	*StreamTransport
	cmd *exec.Cmd
}

func (t *processTransport) Close() error {
	err := t.StreamTransport.Close()
	t.cmd.Process.Kill()
	t.cmd.Wait()
	return err
}
