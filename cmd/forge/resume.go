package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/types"
)

var resetFailed bool

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue a paused or failed project from its saved state",
	Long: `Reload the persisted project state and continue execution. Completed
milestones are skipped; a milestone interrupted mid-task picks up at the
first non-terminal task. With --reset-failed, failed tasks are returned to
pending so they are attempted again.`,
	Run: func(cmd *cobra.Command, args []string) {
		rt, err := buildRuntime(projectDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.Close()

		ctx := context.Background()
		state, err := rt.store.Load(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintln(os.Stderr, "Error: no project state found; start with \"forge run\"")
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		if state.IsComplete() {
			fmt.Printf("Project %q is already complete.\n", state.Name)
			return
		}

		if resetFailed {
			reset := 0
			for i := range state.Milestones {
				m := &state.Milestones[i]
				for j := range m.Tasks {
					if m.Tasks[j].Status == types.TaskFailed {
						m.Tasks[j].Status = types.TaskPending
						m.Tasks[j].Error = ""
						reset++
					}
				}
				if m.Status == types.MilestoneFailed {
					m.Status = types.MilestonePending
					m.Error = ""
				}
			}
			if reset > 0 {
				if err := rt.store.Save(ctx, state); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
				fmt.Printf("Reset %d failed task(s) to pending.\n", reset)
			}
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s %s (phase %s)\n\n", cyan("Resuming"), state.Name, state.Phase)

		finish(rt.engine.Run(ctx))
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&resetFailed, "reset-failed", false, "reset failed tasks and milestones to pending before resuming")
	rootCmd.AddCommand(resumeCmd)
}
