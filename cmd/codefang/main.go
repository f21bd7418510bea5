// Package main provides the entry point for the codefang CLI tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefang-dev/codefang/cmd/codefang/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "codefang",
		Short: "Local-first Git repository analytics",
		Long: `Codefang reconstructs file and commit history by walking a
repository's commit graph backwards, and dispatches the reconstructed
events to a pipeline of analysis plugins.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	os.Exit(commands.ExitCode(err))
}
