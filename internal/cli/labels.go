package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/reconciler"
	"github.com/metyatech/agent-runner/internal/store"
)

var labelsYes bool

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage the GitHub labels the orchestrator depends on",
}

var labelsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create any configured labels missing from in-scope repositories",
	RunE:  runLabelsSync,
}

func init() {
	labelsSyncCmd.Flags().BoolVar(&labelsYes, "yes", false, "create missing labels without prompting")
	labelsCmd.AddCommand(labelsSyncCmd)
}

// labelSpec pairs a configured label name with a display color and
// description used only when the label must be created.
type labelSpec struct {
	name, color, description string
}

func configuredLabels(labels config.Labels) []labelSpec {
	return []labelSpec{
		{labels.Request, "0e8a16", "Requests orchestrator pickup"},
		{labels.Queued, "fbca04", "Queued for a subprocess run"},
		{labels.Running, "1d76db", "A subprocess run is in progress"},
		{labels.Done, "0052cc", "The orchestrator's run completed"},
		{labels.Failed, "b60205", "The orchestrator's run failed"},
		{labels.NeedsUserReply, "d93f0b", "Waiting on a human reply"},
		{labels.ReviewFollowup, "5319e7", "Pull request needs review follow-up"},
	}
}

func runLabelsSync(cmd *cobra.Command, args []string) error {
	token := config.GitHubToken()
	if token == "" {
		return fmt.Errorf("no platform auth token found (AGENT_GITHUB_TOKEN/GITHUB_TOKEN/GH_TOKEN)")
	}
	gh := ghclient.NewClient(token)

	stateDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "state")
	state := store.Open(stateDir)
	var repoCache store.RepoCache
	if err := state.RepoCacheFile.Read(&repoCache); err != nil {
		return err
	}

	repos, err := reconciler.InScopeRepos(cmd.Context(), gh, cfg, &repoCache, nil, time.Now())
	if err != nil {
		return err
	}

	specs := configuredLabels(cfg.Labels)
	out := cmd.OutOrStdout()
	for _, repoName := range repos {
		for _, spec := range specs {
			if !labelsYes {
				fmt.Fprintf(out, "[dry-run, pass --yes to apply] would ensure %s/%s: %s\n", cfg.Owner, repoName, spec.name)
				continue
			}
			created, err := gh.EnsureLabel(cmd.Context(), cfg.Owner, repoName, spec.name, spec.color, spec.description)
			if err != nil {
				return fmt.Errorf("syncing label %s on %s/%s: %w", spec.name, cfg.Owner, repoName, err)
			}
			if created {
				fmt.Fprintf(out, "created %s/%s: %s\n", cfg.Owner, repoName, spec.name)
			}
		}
	}
	return nil
}
