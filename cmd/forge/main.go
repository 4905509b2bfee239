// Command forge drives a software project from a forge.yaml spec to verified
// code through consensus-reviewed planning and milestone execution.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// projectDir is where the project tree and its .forge state live
	projectDir string

	rootCmd = &cobra.Command{
		Use:   "forge",
		Short: "Consensus-driven project execution engine",
		Long: `forge builds a software project from a forge.yaml spec: every plan is
reviewed by independent reviewers until consensus, every milestone ends with a
completion review, and the final tree must pass build, test, and quality
verification before the project is marked complete.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "d", ".", "project directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
