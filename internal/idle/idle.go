// Package idle selects repositories and rotating tasks when no user
// work is pending, subject to the quota gates configured for idle use.
package idle

import (
	"time"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/store"
)

// Selection is one idle task chosen for this cycle.
type Selection struct {
	Repo string
	Task string
}

// SelectTasks picks up to cfg.Idle.MaxRunsPerCycle repo/task pairs,
// skipping a repo whose last run is still within the cooldown window
// and rotating through cfg.Idle.Tasks via history.TaskCursor so repeated
// cycles don't always run the same task first.
func SelectTasks(cfg *config.Config, history store.IdleHistory, repos []string, now time.Time) ([]Selection, store.IdleHistory) {
	if !cfg.Idle.Enabled || len(cfg.Idle.Tasks) == 0 || len(repos) == 0 {
		return nil, history
	}

	cooldown := time.Duration(cfg.Idle.CooldownMinutes) * time.Minute
	if history.Repos == nil {
		history.Repos = map[string]store.IdleRepoState{}
	}

	var selections []Selection
	cursor := history.TaskCursor
	for _, repo := range repos {
		if len(selections) >= cfg.Idle.MaxRunsPerCycle {
			break
		}
		if inScope := repoInScope(cfg.Idle.RepoScope, repo); !inScope {
			continue
		}
		state := history.Repos[repo]
		if !state.LastRunAt.IsZero() && now.Sub(state.LastRunAt) < cooldown {
			continue
		}

		task := cfg.Idle.Tasks[cursor%len(cfg.Idle.Tasks)]
		cursor++

		selections = append(selections, Selection{Repo: repo, Task: task})
		history.Repos[repo] = store.IdleRepoState{LastRunAt: now, LastTask: task}
	}
	history.TaskCursor = cursor

	return selections, history
}

func repoInScope(scope []string, repo string) bool {
	if len(scope) == 0 {
		return true
	}
	for _, s := range scope {
		if s == repo {
			return true
		}
	}
	return false
}
