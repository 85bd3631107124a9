package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/dispatcher"
	"github.com/metyatech/agent-runner/internal/ghclient"
	"github.com/metyatech/agent-runner/internal/idle"
	"github.com/metyatech/agent-runner/internal/lock"
	"github.com/metyatech/agent-runner/internal/logmaint"
	"github.com/metyatech/agent-runner/internal/metrics"
	"github.com/metyatech/agent-runner/internal/outcome"
	"github.com/metyatech/agent-runner/internal/quota"
	"github.com/metyatech/agent-runner/internal/reconciler"
	"github.com/metyatech/agent-runner/internal/store"
	"github.com/metyatech/agent-runner/internal/store/jsonstore"
	"github.com/metyatech/agent-runner/internal/store/sessions"
	"github.com/metyatech/agent-runner/internal/supervisor"
	"github.com/metyatech/agent-runner/internal/webhook"
)

// metricsRegistry is populated once runRun starts; status reporting
// within the same process (tests, embedders) can read it, though a
// separate "status" CLI invocation has no channel back into it.
var metricsRegistry *metrics.Registry

var once bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator's poll loop",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit instead of looping")
}

// defaultRampSchedule backs the monthly-limit provider (amazonQ):
// unblocks once quota is observed above 5% remaining inside the last
// four hours before the monthly rollover.
var defaultRampSchedule = quota.Schedule{
	StartMinutes:           240,
	MinRemainingPctAtStart: 5,
	MinRemainingPctAtEnd:   0,
}

// httpProviderRampSchedule backs the HTTP-fetched providers (codex,
// copilot, gemini), whose reset windows are hours, not months: ramp
// starts an hour out from whatever reset the engine's own usage
// endpoint reports.
var httpProviderRampSchedule = quota.Schedule{
	StartMinutes:           60,
	MinRemainingPctAtStart: 10,
	MinRemainingPctAtEnd:   0,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	stateDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	procLock, err := lock.AcquireProcessLock(filepath.Join(stateDir, "runner.lock"))
	if err != nil {
		return fmt.Errorf("acquiring process lock: %w", err)
	}
	defer procLock.Release()

	state := store.Open(stateDir)
	sess, err := sessions.Open(stateDir)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sess.Close()

	token := config.GitHubToken()
	if token == "" {
		return fmt.Errorf("no platform auth token found (AGENT_GITHUB_TOKEN/GITHUB_TOKEN/GH_TOKEN)")
	}
	gh := ghclient.NewClient(token)

	gates := buildGates(cfg, state, stateDir)
	sup := supervisor.New(logger)
	rec := reconciler.New(gh, state, cfg, logger)
	providerCaps := map[string]int64{
		"codex":   int64(orDefault(cfg.ServiceConcurrency.Codex, cfg.Concurrency)),
		"copilot": int64(cfg.ServiceConcurrency.Copilot),
		"gemini":  int64(cfg.ServiceConcurrency.Gemini),
		"amazonQ": int64(cfg.ServiceConcurrency.AmazonQ),
		"claude":  int64(cfg.ServiceConcurrency.Claude),
	}
	disp := dispatcher.New(int64(cfg.Concurrency), providerCaps, stateDir, logger)

	metricsRegistry = metrics.New()

	if cfg.Webhooks.Port != 0 {
		whServer := webhook.New(cfg.Webhooks, state, buildWebhookHandler(state), logger)
		httpServer := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Webhooks.Host, cfg.Webhooks.Port),
			Handler: whServer.Router(),
		}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Error("webhook server exited")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()

		catchup := webhook.NewCatchup(cfg.Webhooks.Catchup, buildCatchupScan(gh, state, rec), logger)
		if err := catchup.Start(ctx); err != nil {
			logger.WithError(err).Error("failed to start webhook catch-up scan")
		} else {
			defer catchup.Stop()
		}
	}

	installShutdownHandler(cancel, stateDir)

	interval := cfg.PollInterval()
	for {
		if err := tick(ctx, gh, state, sess, rec, disp, gates, sup); err != nil {
			logger.WithError(err).Error("tick failed")
		}
		if once {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func orDefault(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// buildGates constructs one quota.Gate per configured engine, choosing
// the provider implementation that matches how that engine reports
// usage: amazonQ's hard monthly cap counts locally, codex/copilot poll
// their own HTTP usage endpoint for a single percent-remaining figure,
// and gemini polls the same endpoint for per-model buckets via the
// oauth2 client-credentials multi-model provider.
func buildGates(cfg *config.Config, state *store.State, stateDir string) map[string]*quota.Gate {
	gates := map[string]*quota.Gate{}

	for name, engine := range map[string]config.EngineConfig{
		"codex":   cfg.Codex,
		"copilot": cfg.Copilot,
	} {
		if engine.Command == "" || engine.UsageAPIBaseURL == "" {
			continue
		}
		var token string
		if engine.UsageAPITokenEnv != "" {
			token = os.Getenv(engine.UsageAPITokenEnv)
		}
		client := quota.NewHTTPClient(engine.UsageAPIBaseURL, logger)
		provider := quota.NewHTTPProvider(name, httpProviderRampSchedule, client, token)
		gates[name] = quota.NewGate(provider)
	}

	if cfg.AmazonQ.Command != "" && cfg.AmazonQ.MonthlyLimit > 0 {
		file := jsonstore.New(stateDir, "amazonQ-usage.json")
		provider := quota.NewLocalCountProvider("amazonQ", cfg.AmazonQ.MonthlyLimit, defaultRampSchedule, file)
		gates["amazonQ"] = quota.NewGate(provider)
	}

	if cfg.Gemini.Command != "" && cfg.Gemini.UsageAPIBaseURL != "" {
		client := quota.NewHTTPClient(cfg.Gemini.UsageAPIBaseURL, logger)
		warmupFile := jsonstore.New(stateDir, "gemini-warmup.json")
		backoffFile := jsonstore.New(stateDir, "gemini-capacity-backoff.json")
		provider := quota.NewMultiModelProvider(httpProviderRampSchedule, client,
			os.Getenv(cfg.Gemini.ClientIDEnv), os.Getenv(cfg.Gemini.ClientSecretEnv), cfg.Gemini.TokenURL,
			warmupFile, backoffFile)
		gates["gemini"] = quota.NewGate(provider)
	}

	return gates
}

// tick runs one reconciliation/dispatch pass, per section 4.
func tick(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, rec *reconciler.Reconciler, disp *dispatcher.Dispatcher, gates map[string]*quota.Gate, sup *supervisor.Supervisor) error {
	now := time.Now()
	if metricsRegistry != nil {
		metricsRegistry.ReconcilerTicks.Inc()
		metricsRegistry.DispatchSlotsTotal.WithLabelValues("codex").Set(float64(cfg.Concurrency))
	}

	var repoCache store.RepoCache
	if err := state.RepoCacheFile.Read(&repoCache); err != nil {
		return err
	}
	repos, err := reconciler.InScopeRepos(ctx, gh, cfg, &repoCache, nil, now)
	if err != nil {
		return err
	}

	candidates, err := rec.Tick(ctx, repos, cfg.Concurrency)
	if err != nil {
		return err
	}

	var activities []store.Activity
	if err := state.Activity.Read(&activities); err != nil {
		return err
	}
	var running []store.RunningIssue
	if err := state.RunningIssues.Read(&running); err != nil {
		return err
	}
	runningLabeled := map[string]bool{}
	for _, r := range running {
		runningLabeled[r.ItemID] = true
	}
	stalled := dispatcher.DetectStalled(activities, runningLabeled)
	for _, s := range stalled {
		repo, number, ok := parseItemID(s.ItemID)
		if !ok {
			continue
		}
		logger.WithField("item_id", s.ItemID).WithField("reason", string(s.Reason)).Warn("recovering stalled item")
		if err := dispatcher.Recovery(ctx, gh, state, cfg.Owner, repo, number, s.ItemID, s.Reason, dryRun, now); err != nil {
			logger.WithField("item_id", s.ItemID).WithError(err).Error("stalled recovery failed")
		}
	}

	if err := surveyManagedPRs(ctx, gh, state); err != nil {
		logger.WithError(err).Warn("review follow-up survey failed")
	}

	work := make([]dispatcher.Work, 0, len(candidates))
	for _, c := range candidates {
		c := c
		work = append(work, dispatcher.Work{
			ItemID:    c.ItemID,
			RepoOwner: c.RepoOwner,
			RepoName:  c.RepoName,
			Provider:  "codex",
			Tier:      dispatcher.TierReconciler,
			Run: func(ctx context.Context) error {
				return runOne(ctx, gh, state, sess, gates["codex"], sup, c, now)
			},
		})
	}

	spare := cfg.Concurrency - len(candidates)
	if spare < 0 {
		spare = 0
	}
	reviewWork, err := dispatchReviewFollowups(ctx, gh, state, sess, gates, sup, spare, now)
	if err != nil {
		logger.WithError(err).Warn("scheduling review follow-ups failed")
	}

	idleSelections, history := idle.SelectTasks(cfg, loadIdleHistory(state), repos, now)
	idleWork := make([]dispatcher.Work, 0, len(idleSelections))
	for _, sel := range idleSelections {
		sel := sel
		idleWork = append(idleWork, dispatcher.Work{
			ItemID:    "idle:" + sel.Repo + ":" + sel.Task,
			RepoOwner: cfg.Owner,
			RepoName:  sel.Repo,
			Provider:  "codex",
			Tier:      dispatcher.TierIdle,
			Run: func(ctx context.Context) error {
				return runIdleTask(ctx, sup, gates, sel, now)
			},
		})
	}
	if len(idleSelections) > 0 {
		if err := state.IdleHistoryFile.Write(&history); err != nil {
			return err
		}
	}

	disp.RunTick(ctx, dispatcher.MergeCandidates(map[dispatcher.Tier][]dispatcher.Work{
		dispatcher.TierReconciler:     work,
		dispatcher.TierReviewFollowup: reviewWork,
		dispatcher.TierIdle:           idleWork,
	}))

	if metricsRegistry != nil {
		if snap, err := metricsRegistry.TakeSnapshot(); err == nil {
			_ = state.MetricsSnapshot.Write(&snap)
		}
	}

	return nil
}

// parseItemID splits a Candidate's "repo#number" ItemID back into its
// parts for platform calls that need them separately.
func parseItemID(itemID string) (repo string, number int, ok bool) {
	for i := len(itemID) - 1; i >= 0; i-- {
		if itemID[i] == '#' {
			n, err := strconv.Atoi(itemID[i+1:])
			if err != nil {
				return "", 0, false
			}
			return itemID[:i], n, true
		}
	}
	return "", 0, false
}

func loadIdleHistory(state *store.State) store.IdleHistory {
	var h store.IdleHistory
	_ = state.IdleHistoryFile.Read(&h)
	return h
}

func runOne(ctx context.Context, gh ghclient.Client, state *store.State, sess *sessions.Store, gate *quota.Gate, sup *supervisor.Supervisor, c reconciler.Candidate, now time.Time) error {
	if gate != nil {
		decision, _, err := gate.Check(ctx, now)
		if err == nil && metricsRegistry != nil {
			metricsRegistry.QuotaPercentRemaining.WithLabelValues("codex", "").Set(decision.PercentRemaining)
		}
		if err == nil && !decision.Allow {
			return nil
		}
	}

	record, _ := sess.Get(c.ItemID)
	prompt := fmt.Sprintf("Work on %s#%d", c.RepoName, c.ItemNumber)
	envOverlay := map[string]string{}
	if record != nil && record.Token != "" {
		envOverlay["AGENT_SESSION_TOKEN"] = record.Token
	}

	if err := gh.AddLabels(ctx, c.RepoOwner, c.RepoName, c.ItemNumber, []string{cfg.Labels.Running}); err != nil {
		return err
	}
	if err := gh.RemoveLabel(ctx, c.RepoOwner, c.RepoName, c.ItemNumber, cfg.Labels.Queued); err != nil {
		return err
	}
	activityID := "issue:" + c.ItemID
	defer func() {
		_ = state.RemoveActivity(activityID)
		_ = state.RemoveRunningIssue(c.ItemID)
	}()

	logsDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "logs")
	logPath := filepath.Join(logsDir, "repo-issue-"+uuid.NewString()+".log")
	out, err := sup.Run(ctx, supervisor.Spec{
		Command:    cfg.Codex.Command,
		Args:       cfg.Codex.Args,
		EnvOverlay: envOverlay,
		Prompt:     prompt,
		PromptMode: supervisor.PromptMode(cfg.Codex.PromptMode),
		Timeout:    time.Duration(cfg.Codex.TimeoutSeconds) * time.Second,
		LogPath:    logPath,
		OnStart: func(pid int) {
			startedAt := time.Now()
			_ = state.AddActivity(store.Activity{
				ID:         activityID,
				Kind:       "issue",
				Engine:     "codex",
				RepoOwner:  c.RepoOwner,
				RepoName:   c.RepoName,
				StartedAt:  startedAt,
				PID:        pid,
				LogPath:    logPath,
				ItemID:     c.ItemID,
				ItemNumber: c.ItemNumber,
			})
			_ = state.AddRunningIssue(store.RunningIssue{
				ItemID:     c.ItemID,
				RepoOwner:  c.RepoOwner,
				RepoName:   c.RepoName,
				ItemNumber: c.ItemNumber,
				PID:        pid,
				StartedAt:  startedAt,
			})
		},
	})
	if err != nil {
		return err
	}
	if err := logmaint.WriteLatestPointer(logsDir, logPath); err != nil {
		logger.WithField("log_path", logPath).WithError(err).Warn("failed to update latest-log pointer")
	}
	if metricsRegistry != nil {
		metricsRegistry.SupervisorRuns.WithLabelValues("codex", outcomeKind(out)).Inc()
	}

	return outcome.Apply(ctx, gh, state, sess, cfg.Labels, c.RepoOwner, c.RepoName, c.ItemNumber, c.ItemID, out, now)
}

// outcomeKind reduces a supervisor.Outcome to the label value the
// supervisor-runs counter tracks.
func outcomeKind(out supervisor.Outcome) string {
	switch {
	case out.Status == "done":
		return "success"
	case out.Status == "needs_user_reply":
		return "needs_user_reply"
	case out.FailureKind != "":
		return string(out.FailureKind)
	default:
		return "unknown"
	}
}

// runIdleTask spawns an opportunistic subprocess for sel. Opportunistic
// runs carry no issue identity, so there is nothing to relabel and no
// session to persist regardless of outcome.
func runIdleTask(ctx context.Context, sup *supervisor.Supervisor, gates map[string]*quota.Gate, sel idle.Selection, now time.Time) error {
	for _, check := range []struct {
		enabled  bool
		provider string
	}{
		{cfg.Idle.UsageGate, "codex"},
		{cfg.Idle.CopilotUsageGate, "copilot"},
		{cfg.Idle.GeminiUsageGate, "gemini"},
	} {
		if !check.enabled {
			continue
		}
		gate := gates[check.provider]
		if gate == nil {
			continue
		}
		decision, _, err := gate.Check(ctx, now)
		if err == nil && !decision.Allow {
			return nil
		}
	}

	logsDir := filepath.Join(cfg.WorkdirRoot, "agent-runner", "logs")
	logPath := filepath.Join(logsDir, "idle-"+uuid.NewString()+".log")
	_, err := sup.Run(ctx, supervisor.Spec{
		Command:    cfg.Codex.Command,
		Args:       cfg.Codex.Args,
		Prompt:     fmt.Sprintf("Idle task %q on %s", sel.Task, sel.Repo),
		PromptMode: supervisor.PromptMode(cfg.Codex.PromptMode),
		Timeout:    time.Duration(cfg.Codex.TimeoutSeconds) * time.Second,
		LogPath:    logPath,
	})
	if err != nil {
		return err
	}
	if err := logmaint.WriteLatestPointer(logsDir, logPath); err != nil {
		logger.WithField("log_path", logPath).WithError(err).Warn("failed to update latest-log pointer")
	}
	return nil
}

func installShutdownHandler(cancel context.CancelFunc, stateDir string) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		_ = os.WriteFile(filepath.Join(stateDir, "stop.request.json"), []byte(`{"requested_at":"`+time.Now().Format(time.RFC3339)+`"}`), 0o644)
		cancel()
	}()
}
