// Package main is the entry point for the Halcyon CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "halcyon",
		Short: "Halcyon coding CLI",
		Long: `Halcyon is an interactive coding CLI. The tooling subcommands manage
the language servers it talks to: installing backends, reporting their
status, and running diagnostics over workspace files.`,
	}

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "halcyon.toml", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(toolingCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the console logger shared by the subcommands.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if flagVerbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}
