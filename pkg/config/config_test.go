package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	assert.Equal(t, "https://api.anthropic.com", cfg.LLM.Host)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.LLM.Model)
	assert.Equal(t, cfg.LLM.Model, cfg.LLM.SummarizerModel)
	assert.Equal(t, 1.0, cfg.LLM.Temperature)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)

	assert.Equal(t, 32000, cfg.Tools.MaxResultChars)
	assert.Equal(t, 8000, cfg.Tools.StreamingMaxResultChars)

	assert.Equal(t, 50, cfg.Agent.MaxDepth)
	assert.Equal(t, 25, cfg.Agent.ToolCallQuota)
	assert.Equal(t, 100000, cfg.Agent.ContextTokenLimit)
	assert.Equal(t, 5, cfg.Agent.SummaryTailSize)
	assert.Equal(t, 60*time.Second, cfg.Agent.PermissionTimeout)

	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestSummarizerModelOverride(t *testing.T) {
	cfg := &LLMProviderConfig{Model: "big-model", SummarizerModel: "small-model"}
	cfg.SetDefaults()

	assert.Equal(t, "small-model", cfg.SummarizerModel)
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")

	cfg.LLM.APIKey = "key"
	assert.NoError(t, cfg.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "secret")
	t.Setenv("LLM_MODEL", "claude-test")
	t.Setenv("CONTEXT_TOKEN_CEILING", "5000")
	t.Setenv("MAX_AGENT_DEPTH", "30")
	t.Setenv("PERMISSION_TIMEOUT_SECONDS", "15")
	t.Setenv("TOOL_BACKEND_READ_FILE_URL", "http://localhost:9000/read_file")

	cfg := FromEnv()

	assert.Equal(t, "secret", cfg.LLM.APIKey)
	assert.Equal(t, "claude-test", cfg.LLM.Model)
	assert.Equal(t, 5000, cfg.Agent.ContextTokenLimit)
	assert.Equal(t, 30, cfg.Agent.MaxDepth)
	assert.Equal(t, 15*time.Second, cfg.Agent.PermissionTimeout)
	assert.Equal(t, "http://localhost:9000/read_file", cfg.Tools.Endpoints["read_file"])

	// Unset knobs still get defaults.
	assert.Equal(t, 25, cfg.Agent.ToolCallQuota)
}

func TestFromEnvExpandsEndpointURLs(t *testing.T) {
	t.Setenv("LLM_API_KEY", "secret")
	t.Setenv("TOOL_HOST", "http://localhost:9000")
	t.Setenv("TOOL_BACKEND_READ_FILE_URL", "${TOOL_HOST}/read_file")
	t.Setenv("TOOL_BACKEND_GREP_SEARCH_URL", "$TOOL_HOST/grep_search")

	cfg := FromEnv()

	assert.Equal(t, "http://localhost:9000/read_file", cfg.Tools.Endpoints["read_file"])
	assert.Equal(t, "http://localhost:9000/grep_search", cfg.Tools.Endpoints["grep_search"])
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PILOT_TEST_VAR", "value")

	assert.Equal(t, "value", ExpandEnvVars("${PILOT_TEST_VAR}"))
	assert.Equal(t, "value", ExpandEnvVars("$PILOT_TEST_VAR"))
	assert.Equal(t, "value", ExpandEnvVars("${PILOT_TEST_VAR:-fallback}"))
	assert.Equal(t, "fallback", ExpandEnvVars("${PILOT_TEST_MISSING:-fallback}"))
	assert.Equal(t, "plain", ExpandEnvVars("plain"))
}
