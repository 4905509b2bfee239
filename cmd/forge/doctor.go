package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/forgelabs/forge/internal/ai"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/storage/sqlite"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the environment can run the engine",
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		failures := 0
		check := func(name string, err error) {
			if err != nil {
				failures++
				fmt.Printf("%s %s: %v\n", red("✗"), name, err)
			} else {
				fmt.Printf("%s %s\n", green("✓"), name)
			}
		}

		cfg, err := config.Load(projectDir)
		check("configuration", err)
		if err != nil {
			os.Exit(1)
		}

		check("ANTHROPIC_API_KEY", func() error {
			if os.Getenv("ANTHROPIC_API_KEY") == "" {
				return fmt.Errorf("not set")
			}
			return nil
		}())

		check(fmt.Sprintf("agent command %q", cfg.AgentCommand), func() error {
			_, err := exec.LookPath(cfg.AgentCommand)
			return err
		}())

		check("reviewer configuration", func() error {
			registry := ai.NewRegistry(nil)
			if _, err := registry.Reviewers(cfg.Reviewers); err != nil {
				return err
			}
			_, err := registry.Arbitrator(cfg.Arbitrator)
			return err
		}())

		check("state database", func() error {
			store, err := sqlite.New(filepath.Join(projectDir, cfg.StateDir))
			if err != nil {
				return err
			}
			return store.Close()
		}())

		fmt.Println()
		if failures > 0 {
			fmt.Printf("%s %d check(s) failed\n", yellow("!"), failures)
			os.Exit(1)
		}
		fmt.Printf("%s all checks passed\n", green("✓"))
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
