package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/storage"
	"github.com/forgelabs/forge/internal/storage/sqlite"
	"github.com/forgelabs/forge/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the project's milestones, tasks, and current position",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(projectDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		store, err := sqlite.New(filepath.Join(projectDir, cfg.StateDir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		state, err := store.Load(context.Background())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Println("No project state found; start with \"forge run\".")
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printState(state)
	},
}

func printState(state *types.ProjectState) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n", cyan("=== "+state.Name+" ==="))
	fmt.Printf("Phase:  %s\nStatus: %s\n", state.Phase, coloredStatus(string(state.Status)))
	if state.Error != "" {
		fmt.Printf("Error:  %s\n", red(state.Error))
	}
	fmt.Println()

	for _, m := range state.Milestones {
		icon, paint := gray("○"), gray
		switch {
		case m.IsDone():
			icon, paint = green("✓"), green
		case m.Status == types.MilestoneFailed:
			icon, paint = red("✗"), red
		case m.Status == types.MilestoneInProgress:
			icon, paint = yellow("●"), yellow
		}
		fmt.Printf("%s %s %s\n", icon, paint(m.Name), gray(string(m.Status)))
		if m.Error != "" {
			fmt.Printf("    %s\n", red(m.Error))
		}

		for _, t := range m.Tasks {
			tIcon := gray("○")
			switch t.Status {
			case types.TaskComplete:
				tIcon = green("✓")
			case types.TaskFailed:
				tIcon = red("✗")
			case types.TaskInProgress:
				tIcon = yellow("●")
			}
			marker := ""
			if t.ID == state.CurrentTask {
				marker = yellow(" ← current")
			}
			fmt.Printf("    %s %s%s\n", tIcon, t.Name, marker)
			if t.Error != "" {
				fmt.Printf("        %s\n", gray(t.Error))
			}
		}
	}
	fmt.Println()
}

func coloredStatus(status string) string {
	switch types.ProjectStatus(status) {
	case types.StatusComplete:
		return color.GreenString(status)
	case types.StatusFailed:
		return color.RedString(status)
	case types.StatusPaused:
		return color.YellowString(status)
	default:
		return status
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
