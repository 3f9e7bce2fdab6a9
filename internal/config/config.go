// Package config holds the tooling layer's settings: a TOML file merged
// with HALCYON_-prefixed environment overrides on top of built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/halcyon-dev/halcyon/internal/lang"
)

// Environment variables recognized by the tooling layer.
const (
	// EnvAutoInstall enables automatic installation of missing backends.
	EnvAutoInstall = "HALCYON_AUTO_INSTALL"

	// EnvInstallRoot overrides where downloaded backends are installed.
	EnvInstallRoot = "HALCYON_INSTALL_ROOT"

	// EnvDebounceMS overrides the file-change debounce delay.
	EnvDebounceMS = "HALCYON_DEBOUNCE_MS"

	// EnvRequestTimeoutMS overrides the per-request timeout.
	EnvRequestTimeoutMS = "HALCYON_REQUEST_TIMEOUT_MS"
)

// Settings configures the language tooling layer.
type Settings struct {
	// DebounceDelay coalesces rapid edits to the same file.
	DebounceDelay time.Duration

	// RequestTimeout bounds each LSP request.
	RequestTimeout time.Duration

	// GraceWindow is how long a timed-out request id stays muted so a late
	// reply is absorbed.
	GraceWindow time.Duration

	// DownloadTimeout is the wall-clock bound for one archive download.
	DownloadTimeout time.Duration

	// MaxInstallRetries bounds retries of transient install failures.
	MaxInstallRetries int

	// RetryBaseDelay seeds the exponential backoff between retries.
	RetryBaseDelay time.Duration

	// InstallRoot is where downloaded backends live.
	InstallRoot string

	// AutoInstall permits EnsureClientRunning to install missing backends.
	AutoInstall bool

	// ServerCommands overrides the launch vector per backend, bypassing
	// the installer entirely.
	ServerCommands map[lang.Language][]string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	root := filepath.Join(os.TempDir(), "halcyon", "tools")
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".halcyon", "tools")
	}

	return Settings{
		DebounceDelay:     300 * time.Millisecond,
		RequestTimeout:    30 * time.Second,
		GraceWindow:       30 * time.Second,
		DownloadTimeout:   180 * time.Second,
		MaxInstallRetries: 2,
		RetryBaseDelay:    time.Second,
		InstallRoot:       root,
		AutoInstall:       false,
		ServerCommands:    make(map[lang.Language][]string),
	}
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// fileSettings is the on-disk TOML shape. Durations are integral
// milliseconds; pointers distinguish absent keys from zero values.
type fileSettings struct {
	Tooling struct {
		DebounceMS        *int                `toml:"debounce_ms"`
		RequestTimeoutMS  *int                `toml:"request_timeout_ms"`
		GraceWindowMS     *int                `toml:"grace_window_ms"`
		DownloadTimeoutMS *int                `toml:"download_timeout_ms"`
		MaxInstallRetries *int                `toml:"max_install_retries"`
		RetryBaseDelayMS  *int                `toml:"retry_base_delay_ms"`
		InstallRoot       string              `toml:"install_root"`
		AutoInstall       *bool               `toml:"auto_install"`
		Servers           map[string][]string `toml:"servers"`
	} `toml:"tooling"`
}

// Load builds Settings from defaults, the TOML file at path (a missing file
// is not an error) and environment overrides, in that order.
func Load(path string) (Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file, defaults apply.
		case err != nil:
			return s, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			var fc fileSettings
			if err := toml.Unmarshal(data, &fc); err != nil {
				return s, &ParseError{Path: path, Err: err}
			}
			applyFile(&s, &fc)
		}
	}

	applyEnv(&s)
	return s, nil
}

// applyFile merges file values over defaults.
func applyFile(s *Settings, fc *fileSettings) {
	t := &fc.Tooling
	if t.DebounceMS != nil {
		s.DebounceDelay = time.Duration(*t.DebounceMS) * time.Millisecond
	}
	if t.RequestTimeoutMS != nil {
		s.RequestTimeout = time.Duration(*t.RequestTimeoutMS) * time.Millisecond
	}
	if t.GraceWindowMS != nil {
		s.GraceWindow = time.Duration(*t.GraceWindowMS) * time.Millisecond
	}
	if t.DownloadTimeoutMS != nil {
		s.DownloadTimeout = time.Duration(*t.DownloadTimeoutMS) * time.Millisecond
	}
	if t.MaxInstallRetries != nil && *t.MaxInstallRetries >= 0 {
		s.MaxInstallRetries = *t.MaxInstallRetries
	}
	if t.RetryBaseDelayMS != nil {
		s.RetryBaseDelay = time.Duration(*t.RetryBaseDelayMS) * time.Millisecond
	}
	if t.InstallRoot != "" {
		s.InstallRoot = expandHome(t.InstallRoot)
	}
	if t.AutoInstall != nil {
		s.AutoInstall = *t.AutoInstall
	}
	for name, argv := range t.Servers {
		if l := lang.Parse(name); l != lang.None && len(argv) > 0 {
			s.ServerCommands[l.Backend()] = append([]string(nil), argv...)
		}
	}
}

// applyEnv merges environment overrides over everything else.
func applyEnv(s *Settings) {
	if v, ok := os.LookupEnv(EnvAutoInstall); ok {
		s.AutoInstall = parseBool(v)
	}
	if v, ok := os.LookupEnv(EnvInstallRoot); ok && v != "" {
		s.InstallRoot = expandHome(v)
	}
	if v, ok := os.LookupEnv(EnvDebounceMS); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			s.DebounceDelay = time.Duration(ms) * time.Millisecond
		}
	}
	if v, ok := os.LookupEnv(EnvRequestTimeoutMS); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			s.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}
}

// parseBool accepts the usual spellings plus yes/on.
func parseBool(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	switch v {
	case "yes", "YES", "on", "ON":
		return true
	}
	return false
}

// expandHome resolves a leading ~/ against the user's home directory.
func expandHome(path string) string {
	if len(path) >= 2 && path[0] == '~' && path[1] == filepath.Separator {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
