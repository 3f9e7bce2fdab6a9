// Package install provisions language tooling backends. Each supported
// backend has an Installer that can probe for an existing installation,
// perform one, and produce the argv used to launch the server.
//
// Three strategies cover the supported backends: delegating to npm's
// global install, delegating to the Go toolchain, and downloading a
// versioned archive over HTTPS with integrity verification.
package install

import (
	"context"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/halcyon-dev/halcyon/internal/config"
	"github.com/halcyon-dev/halcyon/internal/lang"
)

// Installer provisions one language backend.
type Installer interface {
	// IsInstalled reports whether the backend is present and launchable.
	IsInstalled(ctx context.Context) bool

	// Install provisions the backend. Strategies that download artifacts
	// report byte-level progress through the callback, which may be nil.
	Install(ctx context.Context, progress ProgressFunc) error

	// ServerCommand returns the argv used to launch the backend.
	ServerCommand() ([]string, error)
}

// Progress reports the state of one download.
type Progress struct {
	// Bytes received so far.
	Bytes int64

	// Total expected bytes, or -1 when the server does not announce one.
	Total int64

	// Percent complete, or -1 when Total is unknown.
	Percent float64
}

// ProgressFunc receives download progress updates.
type ProgressFunc func(Progress)

// probeTimeout bounds IsInstalled subprocess probes. A probe must answer
// quickly or count as absent; installation decisions cannot hang on a
// wedged package manager.
const probeTimeout = 10 * time.Second

// CommandRunner abstracts subprocess execution and binary lookup so
// installers are testable without toolchains on PATH.
type CommandRunner interface {
	// Run executes the command and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPath resolves a binary name against PATH.
	LookPath(name string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Defaults returns the stock installer for every backend that has one.
// Languages sharing a backend (javascript, kotlin) are not listed; callers
// resolve through lang.Backend first.
func Defaults(cfg config.Settings, logger zerolog.Logger) map[lang.Language]Installer {
	runner := execRunner{}
	jdtlsDir := filepath.Join(cfg.InstallRoot, "jdtls")

	return map[lang.Language]Installer{
		lang.Go: NewGoTool(GoToolSpec{
			Binary:     "gopls",
			Package:    "golang.org/x/tools/gopls",
			Version:    "v0.17.1",
			Argv:       []string{"gopls", "serve"},
			MaxRetries: cfg.MaxInstallRetries,
			BaseDelay:  cfg.RetryBaseDelay,
		}, runner, logger),

		lang.TypeScript: NewNPM(NPMSpec{
			Package:    "typescript-language-server",
			Version:    "4.3.3",
			Companions: []string{"typescript@5.6.3"},
			Binary:     "typescript-language-server",
			Argv:       []string{"typescript-language-server", "--stdio"},
			MaxRetries: cfg.MaxInstallRetries,
			BaseDelay:  cfg.RetryBaseDelay,
		}, runner, logger),

		lang.Python: NewNPM(NPMSpec{
			Package:    "pyright",
			Version:    "1.1.390",
			Binary:     "pyright-langserver",
			Argv:       []string{"pyright-langserver", "--stdio"},
			MaxRetries: cfg.MaxInstallRetries,
			BaseDelay:  cfg.RetryBaseDelay,
		}, runner, logger),

		lang.Java: NewArchive(ArchiveSpec{
			Name:       "jdtls",
			Version:    "1.40.0",
			BuildID:    "202409261450",
			URL:        "https://download.eclipse.org/jdtls/milestones/1.40.0/jdt-language-server-1.40.0-202409261450.tar.gz",
			InstallDir: jdtlsDir,
			ProbeGlob:  filepath.Join("plugins", "org.eclipse.equinox.launcher_*.jar"),
			Command:    JDTLS(runner, filepath.Join(cfg.InstallRoot, "jdtls-data")),
			Timeout:    cfg.DownloadTimeout,
			MaxRetries: cfg.MaxInstallRetries,
			BaseDelay:  cfg.RetryBaseDelay,
		}, runner, logger),
	}
}

// defaultDelay guards against a zero base delay from an uninitialized config.
func defaultDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return d
}
