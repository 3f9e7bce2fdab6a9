package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halcyon-dev/halcyon/internal/config"
	"github.com/halcyon-dev/halcyon/internal/install"
	"github.com/halcyon-dev/halcyon/internal/lang"
	"github.com/halcyon-dev/halcyon/internal/lsp"
	"github.com/halcyon-dev/halcyon/internal/watch"
)

var (
	flagPins      []string
	flagCheckWait time.Duration
	flagWatchMode bool
)

var toolingCmd = &cobra.Command{
	Use:   "tooling",
	Short: "Manage language tooling backends",
}

func init() {
	toolingCmd.AddCommand(toolingStatusCmd)
	toolingCmd.AddCommand(toolingInstallCmd)
	toolingCmd.AddCommand(toolingCheckCmd)

	toolingInstallCmd.Flags().StringArrayVar(&flagPins, "pin", nil,
		"Pin an archive checksum as <version>-<buildId>=<sha256>")
	toolingCheckCmd.Flags().DurationVar(&flagCheckWait, "wait", 3*time.Second,
		"How long to wait for diagnostics to arrive")
	toolingCheckCmd.Flags().BoolVarP(&flagWatchMode, "watch", "w", false,
		"Keep running and re-check files as they change")
}

var toolingStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the install state of every language backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		installers := install.Defaults(cfg, newLogger())

		green := color.New(color.FgGreen)
		red := color.New(color.FgRed)
		gray := color.New(color.FgHiBlack)

		fmt.Printf("%-12s %-10s %s\n", "LANGUAGE", "INSTALLED", "COMMAND")
		for _, l := range lang.All() {
			backend := l.Backend()
			if backend != l {
				fmt.Printf("%-12s %s\n", l, gray.Sprintf("shares the %s backend", backend))
				continue
			}

			if argv, ok := cfg.ServerCommands[backend]; ok {
				fmt.Printf("%-12s %-10s %s\n", l, green.Sprint("custom"), strings.Join(argv, " "))
				continue
			}

			installer := installers[backend]
			if installer == nil {
				fmt.Printf("%-12s %s\n", l, gray.Sprint("no installer"))
				continue
			}

			if !installer.IsInstalled(cmd.Context()) {
				fmt.Printf("%-12s %-10s %s\n", l, red.Sprint("no"),
					gray.Sprintf("run: halcyon tooling install %s", backend))
				continue
			}

			command := ""
			if argv, cmdErr := installer.ServerCommand(); cmdErr == nil {
				command = strings.Join(argv, " ")
			}
			fmt.Printf("%-12s %-10s %s\n", l, green.Sprint("yes"), command)
		}
		return nil
	},
}

var toolingInstallCmd = &cobra.Command{
	Use:   "install [language...]",
	Short: "Install language backends",
	Long: `Install the tooling backend for the named languages, or for every
supported language when none are named. Backends already installed are
skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		if err := applyPins(flagPins); err != nil {
			return err
		}
		installers := install.Defaults(cfg, newLogger())

		targets, err := resolveTargets(args, installers)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen)
		for _, backend := range targets {
			installer := installers[backend]
			if installer.IsInstalled(cmd.Context()) {
				fmt.Printf("%s: already installed\n", backend)
				continue
			}

			fmt.Printf("%s: installing...\n", backend)
			if err := installer.Install(cmd.Context(), printProgress()); err != nil {
				return fmt.Errorf("installing %s: %w", backend, err)
			}
			green.Printf("%s: installed\n", backend)
		}
		return nil
	},
}

// applyPins registers --pin checksums before any download runs.
func applyPins(pins []string) error {
	for _, pin := range pins {
		key, sha, ok := strings.Cut(pin, "=")
		if !ok || sha == "" {
			return fmt.Errorf("bad --pin %q, want <version>-<buildId>=<sha256>", pin)
		}
		version, buildID, ok := cutLast(key, "-")
		if !ok {
			return fmt.Errorf("bad --pin key %q, want <version>-<buildId>", key)
		}
		install.PinChecksum(version, buildID, sha)
	}
	return nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// resolveTargets maps language arguments to backends with installers,
// defaulting to all of them.
func resolveTargets(args []string, installers map[lang.Language]install.Installer) ([]lang.Language, error) {
	if len(args) == 0 {
		targets := make([]lang.Language, 0, len(installers))
		for _, l := range lang.All() {
			if l.Backend() == l && installers[l] != nil {
				targets = append(targets, l)
			}
		}
		return targets, nil
	}

	seen := make(map[lang.Language]bool)
	targets := make([]lang.Language, 0, len(args))
	for _, arg := range args {
		l := lang.Parse(arg)
		if l == lang.None {
			return nil, fmt.Errorf("unsupported language %q", arg)
		}
		backend := l.Backend()
		if installers[backend] == nil {
			return nil, fmt.Errorf("no installer for %s", backend)
		}
		if !seen[backend] {
			seen[backend] = true
			targets = append(targets, backend)
		}
	}
	return targets, nil
}

// printProgress renders download progress on one reused line.
func printProgress() install.ProgressFunc {
	lastStep := -1
	return func(p install.Progress) {
		if p.Percent < 0 {
			step := int(p.Bytes / (1 << 20))
			if step == lastStep {
				return
			}
			lastStep = step
			fmt.Printf("\r  downloaded %d MB", step)
			return
		}
		step := int(p.Percent) / 5
		if step == lastStep {
			return
		}
		lastStep = step
		fmt.Printf("\r  downloading %3.0f%% (%d/%d bytes)", p.Percent, p.Bytes, p.Total)
		if p.Percent >= 100 {
			fmt.Println()
		}
	}
}

var toolingCheckCmd = &cobra.Command{
	Use:   "check [path...]",
	Short: "Run diagnostics over workspace files",
	Long: `Open the named files (or every supported file under the named
directories, defaulting to the working directory) with their language
servers and print the diagnostics they report. With --watch, keep
running and re-check files as they change on disk.`,
	RunE: runToolingCheck,
}

func runToolingCheck(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	root, err := os.Getwd()
	if err != nil {
		return err
	}

	mgr := lsp.NewManager(root, cfg, lsp.WithManagerLogger(logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("shutdown reported errors")
		}
	}()

	red := color.New(color.FgRed)
	mgr.SetErrorCallback(func(serr *lsp.ServerError) {
		red.Fprintf(os.Stderr, "tooling: %v\n", serr)
	})

	files, err := collectFiles(root, args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no supported source files found")
	}

	ctx := cmd.Context()

	// Subscribe before opening anything so no publish is missed.
	published := make(chan string, 256)
	unsubscribe := mgr.OnDiagnostics(func(path string, diags []lsp.Diagnostic) {
		select {
		case published <- path:
		default:
		}
	})
	defer unsubscribe()

	// Start every needed backend up front so install and start failures
	// surface here instead of as background noise once files open.
	needed := make(map[lang.Language]bool)
	for _, f := range files {
		needed[lang.FromPath(f).Backend()] = true
	}
	for backend := range needed {
		if _, err := mgr.EnsureClientRunning(ctx, backend); err != nil {
			return err
		}
	}

	for _, f := range files {
		content, readErr := os.ReadFile(f)
		if readErr != nil {
			logger.Warn().Err(readErr).Str("path", f).Msg("skipping unreadable file")
			continue
		}
		if err := mgr.NotifyFileOpened(ctx, f, string(content)); err != nil {
			return err
		}
	}

	awaitPublishes(ctx, published, files, flagCheckWait)

	failing := 0
	for _, f := range files {
		if printFileDiagnostics(mgr.Diagnostics(), f) {
			failing++
		}
	}
	printSummary(mgr.Diagnostics())

	if flagWatchMode {
		return watchAndCheck(ctx, mgr, root, published, logger)
	}
	if failing > 0 {
		return fmt.Errorf("%d files with errors", failing)
	}
	return nil
}

// collectFiles expands the arguments into supported source files. Bare
// files are taken as-is; directories are walked.
func collectFiles(root string, args []string) ([]string, error) {
	if len(args) == 0 {
		args = []string{root}
	}

	var files []string
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			if lang.FromPath(abs) != lang.None {
				files = append(files, abs)
			}
			continue
		}

		err = filepath.WalkDir(abs, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := entry.Name()
			if entry.IsDir() {
				if path != abs && (strings.HasPrefix(name, ".") || name == "node_modules" || name == "vendor") {
					return filepath.SkipDir
				}
				return nil
			}
			if lang.FromPath(path) != lang.None {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// awaitPublishes waits until every file has produced a publish or the
// wait budget elapses. Servers that report nothing for a clean file are
// covered by the budget.
func awaitPublishes(ctx context.Context, published <-chan string, files []string, wait time.Duration) {
	pending := make(map[string]bool, len(files))
	for _, f := range files {
		pending[f] = true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(pending) > 0 {
		select {
		case path := <-published:
			delete(pending, path)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// printFileDiagnostics renders one file's diagnostics and reports whether
// it has errors.
func printFileDiagnostics(store *lsp.DiagnosticsStore, path string) bool {
	fd, ok := store.File(path)
	if !ok || len(fd.Diagnostics) == 0 {
		return false
	}

	// Servers report columns in UTF-16 code units; map them onto the file's
	// runes for display. Missing files fall back to the raw offsets.
	var content string
	if data, err := os.ReadFile(path); err == nil {
		content = string(data)
	}

	diags := fd.Diagnostics
	sort.SliceStable(diags, func(i, j int) bool {
		return lsp.ComparePositions(diags[i].Range.Start, diags[j].Range.Start) < 0
	})

	bold := color.New(color.Bold)
	bold.Println(path)
	for _, d := range diags {
		line := d.Range.Start.Line + 1
		col := d.Range.Start.Character + 1
		if content != "" {
			line, col = lsp.DisplayPosition(content, d.Range.Start)
		}
		sevColor := severityColor(d.Severity)
		source := ""
		if d.Source != "" {
			source = " (" + d.Source + ")"
		}
		fmt.Printf("  %d:%d  %s  %s%s\n", line, col, sevColor.Sprint(d.Severity.String()), d.Message, source)
	}
	return fd.ErrorCount > 0
}

func severityColor(s lsp.DiagnosticSeverity) *color.Color {
	switch s {
	case lsp.DiagnosticSeverityError:
		return color.New(color.FgRed)
	case lsp.DiagnosticSeverityWarning:
		return color.New(color.FgYellow)
	case lsp.DiagnosticSeverityInformation:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

func printSummary(store *lsp.DiagnosticsStore) {
	errs, warns, infos, hints := store.TotalCounts()
	if errs == 0 && warns == 0 && infos == 0 && hints == 0 {
		color.New(color.FgGreen).Println("no diagnostics")
		return
	}
	fmt.Printf("%s, %s, %d informational, %d hints\n",
		color.New(color.FgRed).Sprintf("%d errors", errs),
		color.New(color.FgYellow).Sprintf("%d warnings", warns),
		infos, hints)
}

// watchAndCheck re-checks files as they change until interrupted.
func watchAndCheck(ctx context.Context, mgr *lsp.Manager, root string, published <-chan string, logger zerolog.Logger) error {
	patterns := make([]string, 0, len(lang.Extensions()))
	for _, ext := range lang.Extensions() {
		patterns = append(patterns, "*."+ext)
	}

	w, err := watch.Start(root, watch.Include(patterns...), watch.WithLogger(logger))
	if err != nil {
		return err
	}
	defer w.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Println("watching for changes, Ctrl-C to stop")
	for {
		select {
		case <-sigCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case path := <-published:
			printFileDiagnostics(mgr.Diagnostics(), path)
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := applyChange(ctx, mgr, ev); err != nil {
				logger.Warn().Err(err).Str("path", ev.Path).Msg("re-check failed")
			}
		}
	}
}

func applyChange(ctx context.Context, mgr *lsp.Manager, ev watch.Event) error {
	if lang.FromPath(ev.Path) == lang.None {
		return nil
	}

	switch ev.Op {
	case watch.OpRemove, watch.OpRename:
		return mgr.NotifyFileClosed(ctx, ev.Path)
	default:
		content, err := os.ReadFile(ev.Path)
		if err != nil {
			return err
		}
		return mgr.NotifyFileChanged(ctx, ev.Path, string(content))
	}
}
