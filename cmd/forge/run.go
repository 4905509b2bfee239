package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run [spec-file]",
	Short: "Start a new project from a forge.yaml spec",
	Long: `Load the project spec, create the initial project state, and drive the
project through planning, milestone execution, and final verification.
A project that was already started must be continued with "forge resume".`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		specPath := filepath.Join(projectDir, "forge.yaml")
		if len(args) == 1 {
			specPath = args[0]
		}

		spec, err := types.LoadProjectSpec(specPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		rt, err := buildRuntime(projectDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.Close()

		ctx := context.Background()
		if existing, err := rt.store.Load(ctx); err == nil {
			if existing.IsComplete() {
				fmt.Printf("Project %q is already complete.\n", existing.Name)
				return
			}
			fmt.Fprintf(os.Stderr, "Error: project %q already started (phase %s, status %s); use \"forge resume\"\n",
				existing.Name, existing.Phase, existing.Status)
			os.Exit(1)
		} else if !errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		state := types.NewProjectState(spec)
		if err := rt.store.Save(ctx, state); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s %s (%d milestones)\n\n", cyan("Starting"), spec.Name, len(spec.Milestones))

		finish(rt.engine.Run(ctx))
	},
}

// finish prints the terminal result and exits with the matching code:
// 0 complete, 1 failed, 2 paused on a rate limit.
func finish(result *types.ExecutionResult) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Println()
	switch {
	case result.Success:
		fmt.Printf("%s project complete\n", green("✓"))
	case result.RateLimitPaused:
		fmt.Printf("%s rate limited; state saved — run \"forge resume\" to continue\n", yellow("⏸"))
		os.Exit(2)
	default:
		fmt.Printf("%s %s\n", red("✗"), result.Error)
		fmt.Println("State saved; \"forge resume\" retries from the last good position.")
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
