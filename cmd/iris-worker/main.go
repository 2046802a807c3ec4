// Package main provides the iris-worker binary, the measurement
// orchestration daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iris-measurement/iris/internal/cli/worker"
	"github.com/iris-measurement/iris/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "iris-worker",
		Short:         "Iris Worker - measurement orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	worker.RegisterCommands(rootCmd)
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Iris Worker version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
