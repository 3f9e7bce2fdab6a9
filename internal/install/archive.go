package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// CommandBuilder produces the launch argv for an installed archive backend.
type CommandBuilder func(installDir string) ([]string, error)

// ArchiveSpec describes a backend installed from a downloaded archive.
type ArchiveSpec struct {
	// Name identifies the backend in logs and error messages.
	Name string

	// Version and BuildID identify the release; together they key the
	// pinned checksum table.
	Version string
	BuildID string

	// URL is the release archive location.
	URL string

	// SHA256 optionally pins the archive hash directly, taking precedence
	// over the table.
	SHA256 string

	// InstallDir is where the archive is extracted.
	InstallDir string

	// ProbeGlob, relative to InstallDir, matches an artifact whose
	// presence means the backend is installed.
	ProbeGlob string

	// Command builds the launch argv from the install directory.
	Command CommandBuilder

	// Timeout bounds the download wall clock.
	Timeout time.Duration

	// MaxRetries bounds retries of transient download failures.
	MaxRetries int

	// BaseDelay seeds the retry backoff.
	BaseDelay time.Duration
}

// Archive installs a backend by downloading a release archive, verifying
// its hash against the pinned table, and extracting it out-of-process.
type Archive struct {
	spec   ArchiveSpec
	runner CommandRunner
	logger zerolog.Logger

	// fetch is replaceable in tests.
	fetch func(ctx context.Context, url, dest string, opts FetchOptions) error
}

// NewArchive returns an archive-backed installer.
func NewArchive(spec ArchiveSpec, runner CommandRunner, logger zerolog.Logger) *Archive {
	return &Archive{
		spec:   spec,
		runner: runner,
		logger: logger.With().Str("installer", "archive").Str("name", spec.Name).Logger(),
		fetch:  Fetch,
	}
}

// IsInstalled reports whether the probe artifact exists under InstallDir.
func (a *Archive) IsInstalled(ctx context.Context) bool {
	matches, err := filepath.Glob(filepath.Join(a.spec.InstallDir, a.spec.ProbeGlob))
	return err == nil && len(matches) > 0
}

// Install downloads, verifies and extracts the archive. Any failure
// removes the install directory entirely so a partial tree never
// masquerades as an installation. The temporary download area is cleaned
// up regardless of outcome.
func (a *Archive) Install(ctx context.Context, progress ProgressFunc) error {
	tmpDir, err := os.MkdirTemp("", "halcyon-"+a.spec.Name+"-*")
	if err != nil {
		return fmt.Errorf("creating download area: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, a.spec.Name+".tar.gz")
	if err := a.run(ctx, archivePath, progress); err != nil {
		os.RemoveAll(a.spec.InstallDir)
		return err
	}

	a.logger.Info().Str("version", a.spec.Version).Str("dir", a.spec.InstallDir).Msg("backend installed")
	return nil
}

func (a *Archive) run(ctx context.Context, archivePath string, progress ProgressFunc) error {
	err := Do(ctx, a.spec.MaxRetries, a.spec.BaseDelay, func(ctx context.Context) error {
		return a.fetch(ctx, a.spec.URL, archivePath, FetchOptions{
			Timeout:  a.spec.Timeout,
			Progress: progress,
		})
	})
	if err != nil {
		return err
	}

	if err := a.verify(archivePath); err != nil {
		return err
	}

	if err := os.MkdirAll(a.spec.InstallDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", a.spec.InstallDir, err)
	}

	out, err := a.runner.Run(ctx, "tar", "-xzf", archivePath, "-C", a.spec.InstallDir)
	if err != nil {
		return fmt.Errorf("extracting %s: %w: %s", a.spec.Name, err, lastLine(out))
	}
	return nil
}

// verify compares the archive's SHA-256 against the pin for this
// version+build. An unpinned build proceeds with a warning; a pinned
// mismatch fails the install.
func (a *Archive) verify(archivePath string) error {
	key := checksumKey(a.spec.Version, a.spec.BuildID)
	want := a.spec.SHA256
	if want == "" {
		var pinned bool
		want, pinned = pinnedChecksum(a.spec.Version, a.spec.BuildID)
		if !pinned {
			a.logger.Warn().Str("build", key).Msg("no pinned checksum for this build, skipping verification")
			return nil
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s for verification: %w", archivePath, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", archivePath, err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s %s: got %s, want %s", a.spec.Name, key, got, want)
	}
	return nil
}

// ServerCommand builds the launch argv for the installed backend.
func (a *Archive) ServerCommand() ([]string, error) {
	if a.spec.Command == nil {
		return nil, fmt.Errorf("archive installer for %s has no launch command", a.spec.Name)
	}
	return a.spec.Command(a.spec.InstallDir)
}

// JDTLS builds the launch argv for the Eclipse JDT language server layout:
// the equinox launcher jar run under java against the platform
// configuration directory, with workspace state kept in dataDir.
func JDTLS(runner CommandRunner, dataDir string) CommandBuilder {
	return func(installDir string) ([]string, error) {
		if _, err := runner.LookPath("java"); err != nil {
			return nil, fmt.Errorf("missing runtime prerequisite: java not on PATH")
		}

		matches, err := filepath.Glob(filepath.Join(installDir, "plugins", "org.eclipse.equinox.launcher_*.jar"))
		if err != nil || len(matches) == 0 {
			return nil, fmt.Errorf("jdtls launcher jar not found under %s", installDir)
		}

		return []string{
			"java",
			"-Declipse.application=org.eclipse.jdt.ls.core.id1",
			"-Dosgi.bundles.defaultStartLevel=4",
			"-Declipse.product=org.eclipse.jdt.ls.core.product",
			"--add-modules=ALL-SYSTEM",
			"--add-opens", "java.base/java.util=ALL-UNNAMED",
			"--add-opens", "java.base/java.lang=ALL-UNNAMED",
			"-jar", matches[0],
			"-configuration", filepath.Join(installDir, jdtlsConfigDir()),
			"-data", dataDir,
		}, nil
	}
}

func jdtlsConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return "config_mac"
	case "windows":
		return "config_win"
	default:
		return "config_linux"
	}
}
