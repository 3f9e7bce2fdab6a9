package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "halcyon.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config fixture: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.DebounceDelay != 300*time.Millisecond {
		t.Errorf("DebounceDelay = %v, want 300ms", s.DebounceDelay)
	}
	if s.AutoInstall {
		t.Error("AutoInstall = true, want false by default")
	}
}

func TestLoadEmptyPath(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", s.RequestTimeout)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[tooling]
debounce_ms = 150
request_timeout_ms = 5000
grace_window_ms = 10000
download_timeout_ms = 60000
max_install_retries = 4
retry_base_delay_ms = 250
auto_install = true

[tooling.servers]
go = ["gopls", "serve"]
javascript = ["typescript-language-server", "--stdio"]
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if s.DebounceDelay != 150*time.Millisecond {
		t.Errorf("DebounceDelay = %v, want 150ms", s.DebounceDelay)
	}
	if s.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", s.RequestTimeout)
	}
	if s.GraceWindow != 10*time.Second {
		t.Errorf("GraceWindow = %v, want 10s", s.GraceWindow)
	}
	if s.DownloadTimeout != time.Minute {
		t.Errorf("DownloadTimeout = %v, want 1m", s.DownloadTimeout)
	}
	if s.MaxInstallRetries != 4 {
		t.Errorf("MaxInstallRetries = %d, want 4", s.MaxInstallRetries)
	}
	if s.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("RetryBaseDelay = %v, want 250ms", s.RetryBaseDelay)
	}
	if !s.AutoInstall {
		t.Error("AutoInstall = false, want true")
	}

	goCmd := s.ServerCommands[lang.Go]
	if len(goCmd) != 2 || goCmd[0] != "gopls" || goCmd[1] != "serve" {
		t.Errorf("ServerCommands[go] = %v, want [gopls serve]", goCmd)
	}

	// A javascript override lands on its backend language.
	tsCmd := s.ServerCommands[lang.TypeScript]
	if len(tsCmd) != 2 || tsCmd[0] != "typescript-language-server" {
		t.Errorf("ServerCommands[typescript] = %v, want typescript-language-server override", tsCmd)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[tooling]
debounce_ms = 50
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.DebounceDelay != 50*time.Millisecond {
		t.Errorf("DebounceDelay = %v, want 50ms", s.DebounceDelay)
	}
	if s.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want default 30s", s.RequestTimeout)
	}
	if s.MaxInstallRetries != 2 {
		t.Errorf("MaxInstallRetries = %d, want default 2", s.MaxInstallRetries)
	}
}

func TestLoadZeroRetriesIsExplicit(t *testing.T) {
	path := writeConfig(t, `
[tooling]
max_install_retries = 0
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.MaxInstallRetries != 0 {
		t.Errorf("MaxInstallRetries = %d, want explicit 0", s.MaxInstallRetries)
	}
}

func TestLoadParseError(t *testing.T) {
	path := writeConfig(t, `[tooling
debounce_ms = `)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load succeeded on malformed TOML")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Path != path {
		t.Errorf("ParseError.Path = %q, want %q", pe.Path, path)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[tooling]
debounce_ms = 500
auto_install = false
`)

	t.Setenv(EnvAutoInstall, "true")
	t.Setenv(EnvDebounceMS, "25")
	t.Setenv(EnvRequestTimeoutMS, "1500")

	dir := t.TempDir()
	t.Setenv(EnvInstallRoot, dir)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !s.AutoInstall {
		t.Error("AutoInstall = false, want env override true")
	}
	if s.DebounceDelay != 25*time.Millisecond {
		t.Errorf("DebounceDelay = %v, want env override 25ms", s.DebounceDelay)
	}
	if s.RequestTimeout != 1500*time.Millisecond {
		t.Errorf("RequestTimeout = %v, want env override 1.5s", s.RequestTimeout)
	}
	if s.InstallRoot != dir {
		t.Errorf("InstallRoot = %q, want env override %q", s.InstallRoot, dir)
	}
}

func TestEnvAutoInstallSpellings(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"yes", true},
		{"on", true},
		{"0", false},
		{"false", false},
		{"off", false},
		{"banana", false},
	}

	for _, tt := range tests {
		t.Setenv(EnvAutoInstall, tt.value)
		s, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if s.AutoInstall != tt.want {
			t.Errorf("AutoInstall with %s=%q = %v, want %v", EnvAutoInstall, tt.value, s.AutoInstall, tt.want)
		}
	}
}

func TestBadEnvValuesIgnored(t *testing.T) {
	t.Setenv(EnvDebounceMS, "not-a-number")
	t.Setenv(EnvRequestTimeoutMS, "-5")

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.DebounceDelay != 300*time.Millisecond {
		t.Errorf("DebounceDelay = %v, want default 300ms", s.DebounceDelay)
	}
	if s.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want default 30s", s.RequestTimeout)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	got := expandHome("~" + string(filepath.Separator) + "tools")
	want := filepath.Join(home, "tools")
	if got != want {
		t.Errorf("expandHome = %q, want %q", got, want)
	}

	if got := expandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("expandHome left absolute path = %q", got)
	}
}
