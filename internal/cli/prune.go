package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/logmaint"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply log-maintenance retention rules to the logs directory",
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	logsDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "logs")

	result, err := logmaint.Prune(cfg.LogMaintenance, logsDir, time.Now())
	if err != nil {
		return fmt.Errorf("pruning logs: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, path := range result.Removed {
		fmt.Fprintf(out, "removed %s\n", path)
	}
	fmt.Fprintf(out, "freed %d bytes across %d files\n", result.BytesFreed, len(result.Removed))
	return nil
}
