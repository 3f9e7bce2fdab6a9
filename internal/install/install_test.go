package install

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/halcyon-dev/halcyon/internal/config"
	"github.com/halcyon-dev/halcyon/internal/lang"
)

// fakeRunner records commands and serves scripted results.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string

	runFn      func(name string, args ...string) ([]byte, error)
	lookPathFn func(name string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	if f.runFn != nil {
		return f.runFn(name, args...)
	}
	return nil, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.lookPathFn != nil {
		return f.lookPathFn(name)
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) call(i int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		return nil
	}
	return f.calls[i]
}

func TestDefaultsCoverBackends(t *testing.T) {
	cfg := config.DefaultSettings()
	cfg.InstallRoot = t.TempDir()

	installers := Defaults(cfg, zerolog.Nop())

	for _, backend := range []lang.Language{lang.Go, lang.TypeScript, lang.Python, lang.Java} {
		if installers[backend] == nil {
			t.Errorf("no installer for backend %s", backend)
		}
	}

	// Shared-backend languages resolve through Backend, not their own entry.
	if installers[lang.JavaScript] != nil {
		t.Error("javascript should share the typescript installer, not carry its own")
	}
	if installers[lang.Kotlin] != nil {
		t.Error("kotlin should share the java installer, not carry its own")
	}

	argv, err := installers[lang.TypeScript].ServerCommand()
	if err != nil {
		t.Fatalf("ServerCommand failed: %v", err)
	}
	if len(argv) != 2 || argv[0] != "typescript-language-server" || argv[1] != "--stdio" {
		t.Errorf("typescript argv = %v, want [typescript-language-server --stdio]", argv)
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"", ""},
		{"single", "single"},
		{"first\nsecond\nthird", "third"},
		{"error line\n\n  \n", "error line"},
	}

	for _, tt := range tests {
		if got := lastLine([]byte(tt.out)); got != tt.want {
			t.Errorf("lastLine(%q) = %q, want %q", tt.out, got, tt.want)
		}
	}
}

func errNotOnPath(name string) (string, error) {
	return "", errors.New("exec: " + strings.TrimSpace(name) + ": executable file not found in $PATH")
}
