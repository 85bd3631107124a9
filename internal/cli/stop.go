package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request a graceful shutdown of the running orchestrator process",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	stateDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "state")
	lockPath := filepath.Join(stateDir, "runner.lock")

	pid, ok := readLockPID(lockPath)
	if !ok {
		return fmt.Errorf("no running orchestrator found (no process lock at %s)", lockPath)
	}

	stopRequestPath := filepath.Join(stateDir, "stop.request.json")
	body := fmt.Sprintf(`{"requested_at":%q}`, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(stopRequestPath, []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing stop request: %w", err)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "stop requested for pid %d\n", pid)
	return nil
}
