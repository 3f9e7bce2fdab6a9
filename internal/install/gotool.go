package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// GoToolSpec describes a backend installed through go install.
type GoToolSpec struct {
	// Binary is the executable the module provides.
	Binary string

	// Package is the module path passed to go install.
	Package string

	// Version pins the installed module version.
	Version string

	// Argv launches the server.
	Argv []string

	// MaxRetries bounds retries of transient install failures.
	MaxRetries int

	// BaseDelay seeds the retry backoff.
	BaseDelay time.Duration
}

// GoTool installs a backend via the Go toolchain.
type GoTool struct {
	spec   GoToolSpec
	runner CommandRunner
	logger zerolog.Logger
}

// NewGoTool returns a go-install-backed installer.
func NewGoTool(spec GoToolSpec, runner CommandRunner, logger zerolog.Logger) *GoTool {
	return &GoTool{
		spec:   spec,
		runner: runner,
		logger: logger.With().Str("installer", "gotool").Str("binary", spec.Binary).Logger(),
	}
}

// IsInstalled locates the binary on PATH or under the default go install
// target in the user's go/bin, then confirms it executes.
func (g *GoTool) IsInstalled(ctx context.Context) bool {
	bin := g.spec.Binary
	if _, err := g.runner.LookPath(bin); err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return false
		}
		bin = filepath.Join(home, "go", "bin", g.spec.Binary)
		if _, statErr := os.Stat(bin); statErr != nil {
			return false
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := g.runner.Run(probeCtx, bin, "version")
	return err == nil
}

// Install runs go install package@version, retrying transient failures.
// A missing go toolchain is a missing runtime prerequisite and fails
// before any attempt.
func (g *GoTool) Install(ctx context.Context, progress ProgressFunc) error {
	if _, err := g.runner.LookPath("go"); err != nil {
		return fmt.Errorf("installing %s: missing runtime prerequisite: go toolchain not on PATH", g.spec.Binary)
	}

	g.logger.Info().Str("package", g.spec.Package).Str("version", g.spec.Version).Msg("running go install")

	return Do(ctx, g.spec.MaxRetries, g.spec.BaseDelay, func(ctx context.Context) error {
		out, err := g.runner.Run(ctx, "go", "install", g.spec.Package+"@"+g.spec.Version)
		if err != nil {
			return fmt.Errorf("go install %s: %w: %s", g.spec.Package, err, lastLine(out))
		}
		return nil
	})
}

// ServerCommand returns the launch argv, resolving the binary through
// PATH or the user's go/bin.
func (g *GoTool) ServerCommand() ([]string, error) {
	if len(g.spec.Argv) == 0 {
		return nil, fmt.Errorf("go installer for %s has no launch command", g.spec.Binary)
	}

	argv := append([]string(nil), g.spec.Argv...)
	if _, err := g.runner.LookPath(argv[0]); err == nil {
		return argv, nil
	}
	if home, homeErr := os.UserHomeDir(); homeErr == nil {
		candidate := filepath.Join(home, "go", "bin", argv[0])
		if _, statErr := os.Stat(candidate); statErr == nil {
			argv[0] = candidate
			return argv, nil
		}
	}
	return nil, fmt.Errorf("%s not found on PATH or under the go install target", argv[0])
}
