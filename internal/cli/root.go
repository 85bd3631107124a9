// Package cli wires the cobra command tree: run/status/labels
// sync/stop/prune, sharing a persistently-loaded Config and Logger
// across subcommands.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
)

var (
	cfgPath string
	dryRun  bool
	jsonOut bool

	cfg    *config.Config
	logger *logging.Logger
)

// RootCmd is the top-level "agent-runner" command.
var RootCmd = &cobra.Command{
	Use:   "agent-runner",
	Short: "Drives coding-agent subprocesses against queued issues and pull requests",
	Long: `agent-runner polls a GitHub-style platform for labeled work items, spawns
coding-agent subprocesses against them under a per-provider quota gate, and
follows up on their pull requests until merge or human intervention.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = logging.NewDefault()
		return nil
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgPath, "config", "agent-runner.yaml", "path to the configuration file")
	RootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "log actions without mutating platform or subprocess state")
	RootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON output where supported")

	RootCmd.AddCommand(runCmd, statusCmd, labelsCmd, stopCmd, pruneCmd)
}

// Execute runs the command tree, returning the error cobra produced (if
// any) so main can set the process exit code.
func Execute() error {
	return RootCmd.Execute()
}
