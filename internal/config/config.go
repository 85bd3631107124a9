// Package config loads and validates the orchestrator's configuration
// file. Configuration is read once at process start and threaded through
// as an immutable value; there is no live-reload path.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Labels names the GitHub labels the Reconciler and Outcome Handling use
// for state transitions.
type Labels struct {
	Queued          string `yaml:"queued" validate:"required"`
	Running         string `yaml:"running" validate:"required"`
	Done            string `yaml:"done" validate:"required"`
	Failed          string `yaml:"failed" validate:"required"`
	NeedsUserReply  string `yaml:"needsUserReply" validate:"required"`
	ReviewFollowup  string `yaml:"reviewFollowup" validate:"required"`
	Request         string `yaml:"request" validate:"required"`
}

// EngineConfig describes how to invoke one coding-agent subprocess.
type EngineConfig struct {
	Command        string   `yaml:"command" validate:"required"`
	Args           []string `yaml:"args"`
	PromptTemplate string   `yaml:"promptTemplate" validate:"required"`
	PromptMode     string   `yaml:"promptMode"` // stdin | arg
	TimeoutSeconds int      `yaml:"timeoutSeconds"`

	// MonthlyLimit backs a local monthly-count quota provider (amazonQ);
	// zero disables gating for that engine rather than falsely reporting
	// full quota.
	MonthlyLimit int64 `yaml:"monthlyLimit"`

	// UsageAPIBaseURL/UsageAPITokenEnv configure the HTTP-fetched,
	// single-bucket usage provider used by codex and copilot.
	UsageAPIBaseURL  string `yaml:"usageApiBaseUrl"`
	UsageAPITokenEnv string `yaml:"usageApiTokenEnv"`

	// ClientIDEnv/ClientSecretEnv/TokenURL configure the oauth2
	// client-credentials flow backing the multi-model usage provider;
	// only meaningful on the gemini engine.
	ClientIDEnv     string `yaml:"clientIdEnv"`
	ClientSecretEnv string `yaml:"clientSecretEnv"`
	TokenURL        string `yaml:"tokenUrl"`
}

// IdleConfig describes opportunistic idle-task scheduling.
type IdleConfig struct {
	Enabled         bool     `yaml:"enabled"`
	MaxRunsPerCycle int      `yaml:"maxRunsPerCycle"`
	CooldownMinutes int      `yaml:"cooldownMinutes"`
	Tasks           []string `yaml:"tasks"`
	PromptTemplate  string   `yaml:"promptTemplate"`
	RepoScope       []string `yaml:"repoScope"`

	// UsageGate, CopilotUsageGate, and GeminiUsageGate subject idle runs
	// to the named provider's quota gate in addition to the reconciler's
	// own dispatch-time check; each defaults to off.
	UsageGate        bool `yaml:"usageGate"`
	CopilotUsageGate bool `yaml:"copilotUsageGate"`
	GeminiUsageGate  bool `yaml:"geminiUsageGate"`
}

// WebhookCatchup describes the periodic reconciliation sweep for missed
// webhook deliveries.
type WebhookCatchup struct {
	Enabled           bool `yaml:"enabled"`
	IntervalMinutes   int  `yaml:"intervalMinutes"`
	MaxIssuesPerRun   int  `yaml:"maxIssuesPerRun"`
}

// WebhookConfig describes the ingress HTTP server.
type WebhookConfig struct {
	Host            string         `yaml:"host"`
	Port            int            `yaml:"port"`
	Path            string         `yaml:"path"`
	Secret          string         `yaml:"secret"`
	SecretEnv       string         `yaml:"secretEnv"`
	MaxPayloadBytes int64          `yaml:"maxPayloadBytes"`
	QueueFile       string         `yaml:"queueFile"`
	Catchup         WebhookCatchup `yaml:"catchup"`
}

// LogMaintenance governs log pruning.
type LogMaintenance struct {
	MaxAgeDays          int `yaml:"maxAgeDays"`
	KeepLatest          int `yaml:"keepLatest"`
	MaxTotalMB          int `yaml:"maxTotalMB"`
	TaskRunKeepLatest   int `yaml:"taskRunKeepLatest"`
}

// ServiceConcurrency sets per-provider dispatcher slot caps.
type ServiceConcurrency struct {
	Codex   int `yaml:"codex"`
	Copilot int `yaml:"copilot"`
	Gemini  int `yaml:"gemini"`
	AmazonQ int `yaml:"amazonQ"`
	Claude  int `yaml:"claude"`
}

// Config is the full orchestrator configuration file.
type Config struct {
	Owner               string             `yaml:"owner" validate:"required"`
	WorkdirRoot         string             `yaml:"workdirRoot" validate:"required"`
	PollIntervalSeconds int                `yaml:"pollIntervalSeconds" validate:"required,min=1"`
	Concurrency         int                `yaml:"concurrency" validate:"required,min=1"`
	Labels              Labels             `yaml:"labels" validate:"required"`
	Codex               EngineConfig       `yaml:"codex" validate:"required"`
	Repos               reposValue         `yaml:"repos"`
	Idle                IdleConfig         `yaml:"idle"`
	AmazonQ             EngineConfig       `yaml:"amazonQ"`
	Copilot             EngineConfig       `yaml:"copilot"`
	Gemini              EngineConfig       `yaml:"gemini"`
	Webhooks            WebhookConfig      `yaml:"webhooks"`
	LogMaintenance      LogMaintenance     `yaml:"logMaintenance"`
	ServiceConcurrency  ServiceConcurrency `yaml:"serviceConcurrency"`

	// AIReviewerBots names review-bot logins whose COMMENTED reviews
	// never count as actionable follow-up, regardless of body text.
	AIReviewerBots []string `yaml:"aiReviewerBots"`
}

// reposValue is either the literal string "all" or a list of repo names.
type reposValue struct {
	All   bool
	Names []string
}

func (r *reposValue) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		if strings.EqualFold(strings.TrimSpace(s), "all") {
			r.All = true
			return nil
		}
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return errors.Wrap(err, "repos must be \"all\" or a list of names")
	}
	r.Names = list
	return nil
}

// InScopeAll reports whether repos is configured as "all repos of the owner".
func (r reposValue) InScopeAll() bool { return r.All }

var validate = validator.New()

// Load reads, decodes, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	applyDefaults(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, errors.Wrapf(err, "validating config %s", path)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Webhooks.MaxPayloadBytes == 0 {
		cfg.Webhooks.MaxPayloadBytes = 1 << 20
	}
	if cfg.Webhooks.Catchup.IntervalMinutes == 0 {
		cfg.Webhooks.Catchup.IntervalMinutes = 15
	}
	if cfg.Idle.CooldownMinutes == 0 {
		cfg.Idle.CooldownMinutes = 60
	}
	if cfg.ServiceConcurrency.Codex == 0 {
		cfg.ServiceConcurrency.Codex = cfg.Concurrency
	}
	if cfg.Gemini.ClientIDEnv == "" {
		cfg.Gemini.ClientIDEnv = "AGENT_RUNNER_GEMINI_OAUTH_CLIENT_ID"
	}
	if cfg.Gemini.ClientSecretEnv == "" {
		cfg.Gemini.ClientSecretEnv = "AGENT_RUNNER_GEMINI_OAUTH_CLIENT_SECRET"
	}
}

// PollInterval returns the configured poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// GitHubToken resolves the platform auth token from the documented
// environment variable precedence.
func GitHubToken() string {
	for _, name := range []string{"AGENT_GITHUB_TOKEN", "GITHUB_TOKEN", "GH_TOKEN"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// WebhookSecret resolves the HMAC secret, preferring an inline value and
// falling back to the environment variable named by SecretEnv.
func (w WebhookConfig) WebhookSecret() string {
	if w.Secret != "" {
		return w.Secret
	}
	if w.SecretEnv != "" {
		return os.Getenv(w.SecretEnv)
	}
	return ""
}
