package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/store"
)

func TestBuildGates_SelectsProviderPerEngineKind(t *testing.T) {
	c := &config.Config{
		Codex: config.EngineConfig{
			Command:         "codex",
			UsageAPIBaseURL: "https://codex.example.com",
		},
		Copilot: config.EngineConfig{
			Command: "copilot",
			// no UsageAPIBaseURL: should stay unwired rather than
			// fall back to a monthly-limit provider.
		},
		AmazonQ: config.EngineConfig{
			Command:      "amazonq",
			MonthlyLimit: 1000,
		},
		Gemini: config.EngineConfig{
			Command:         "gemini",
			UsageAPIBaseURL: "https://gemini.example.com",
			ClientIDEnv:     "TEST_GEMINI_CLIENT_ID",
			ClientSecretEnv: "TEST_GEMINI_CLIENT_SECRET",
			TokenURL:        "https://gemini.example.com/oauth/token",
		},
	}

	gates := buildGates(c, store.Open(t.TempDir()), t.TempDir())

	assert.Contains(t, gates, "codex")
	assert.Contains(t, gates, "amazonQ")
	assert.Contains(t, gates, "gemini")
	assert.NotContains(t, gates, "copilot")
}

func TestBuildGates_NoEnginesConfiguredYieldsNoGates(t *testing.T) {
	gates := buildGates(&config.Config{}, store.Open(t.TempDir()), t.TempDir())
	assert.Empty(t, gates)
}
