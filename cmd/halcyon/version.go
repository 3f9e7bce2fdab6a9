package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("halcyon version: %s\n", version)
		fmt.Printf("git commit: %s\n", commit)
		fmt.Printf("build date: %s\n", date)
		fmt.Printf("go version: %s\n", runtime.Version())
	},
}
