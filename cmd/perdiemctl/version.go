package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/perdiem/internal/scoring"
)

var (
	// Version is the release version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := output(cmd)
		fmt.Fprintf(out, "perdiemctl %s\n", Version)
		fmt.Fprintf(out, "Engine:     %s\n", scoring.EngineVersion)
		fmt.Fprintf(out, "Git Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
