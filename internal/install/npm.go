package install

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// NPMSpec describes a backend installed through npm's global tree.
type NPMSpec struct {
	// Package is the npm package name.
	Package string

	// Version pins the installed package version.
	Version string

	// Companions are extra package specs installed alongside, e.g. the
	// typescript compiler next to its language server.
	Companions []string

	// Binary is the executable the package provides, probed on PATH when
	// the npm tree cannot be listed.
	Binary string

	// Argv launches the server.
	Argv []string

	// MaxRetries bounds retries of transient install failures.
	MaxRetries int

	// BaseDelay seeds the retry backoff.
	BaseDelay time.Duration
}

// NPM installs a backend via npm install -g.
type NPM struct {
	spec   NPMSpec
	runner CommandRunner
	logger zerolog.Logger
}

// NewNPM returns an npm-backed installer.
func NewNPM(spec NPMSpec, runner CommandRunner, logger zerolog.Logger) *NPM {
	return &NPM{
		spec:   spec,
		runner: runner,
		logger: logger.With().Str("installer", "npm").Str("package", spec.Package).Logger(),
	}
}

// IsInstalled checks npm's global tree for the package. npm exits non-zero
// on unrelated tree problems while still printing usable JSON, so the
// output is consulted before the exit status. A PATH probe of the binary
// is the fallback when npm itself is unusable.
func (n *NPM) IsInstalled(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := n.runner.Run(probeCtx, "npm", "ls", "-g", "--depth=0", "--json")
	if len(out) > 0 {
		if gjson.GetBytes(out, "dependencies."+n.spec.Package).Exists() {
			return true
		}
		if err == nil {
			return false
		}
	}

	_, pathErr := n.runner.LookPath(n.spec.Binary)
	return pathErr == nil
}

// Install runs npm install -g for the package and its companions,
// retrying transient failures.
func (n *NPM) Install(ctx context.Context, progress ProgressFunc) error {
	args := []string{"install", "-g", n.spec.Package + "@" + n.spec.Version}
	args = append(args, n.spec.Companions...)

	n.logger.Info().Strs("args", args).Msg("installing npm package")

	return Do(ctx, n.spec.MaxRetries, n.spec.BaseDelay, func(ctx context.Context) error {
		out, err := n.runner.Run(ctx, "npm", args...)
		if err != nil {
			return fmt.Errorf("npm install %s: %w: %s", n.spec.Package, err, lastLine(out))
		}
		return nil
	})
}

// ServerCommand returns the launch argv.
func (n *NPM) ServerCommand() ([]string, error) {
	if len(n.spec.Argv) == 0 {
		return nil, fmt.Errorf("npm installer for %s has no launch command", n.spec.Package)
	}
	if _, err := n.runner.LookPath(n.spec.Argv[0]); err != nil {
		return nil, fmt.Errorf("%s not found on PATH", n.spec.Argv[0])
	}
	return append([]string(nil), n.spec.Argv...), nil
}

// lastLine extracts the final non-empty line of command output. npm puts
// the decisive error there, and carrying it lets the retry classifier see
// markers like ETIMEDOUT.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
