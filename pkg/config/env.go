package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var envVarPatterns = struct {
	withDefault *regexp.Regexp
	braced      *regexp.Regexp
	simple      *regexp.Regexp
}{
	withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
	braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
	simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
}

// ExpandEnvVars substitutes ${VAR}, ${VAR:-default} and $VAR references in s.
func ExpandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// LoadEnvFiles loads .env.local and .env when present.
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// toolEndpointNames lists every tool the dispatch adapter routes. Each has a
// TOOL_BACKEND_<NAME>_URL environment variable.
var toolEndpointNames = []string{
	"read_file",
	"list_directory",
	"run_terminal_command",
	"search_files",
	"grep_search",
	"search_and_replace",
	"codebase_search",
	"edit_file",
	"reapply",
	"web_search",
	"delete_file",
}

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		LLM: LLMProviderConfig{
			APIKey:          os.Getenv("LLM_API_KEY"),
			Host:            os.Getenv("LLM_BASE_URL"),
			Model:           os.Getenv("LLM_MODEL"),
			SummarizerModel: os.Getenv("LLM_SUMMARIZER_MODEL"),
			ThinkingBudget:  envInt("LLM_THINKING_BUDGET", 0),
		},
		Tools: ToolBackendConfig{
			Endpoints: make(map[string]string),
		},
		Agent: AgentConfig{
			ToolCallQuota:     envInt("MAX_TOOL_CALLS_PER_SESSION", 0),
			ContextTokenLimit: envInt("CONTEXT_TOKEN_CEILING", 0),
			MaxDepth:          envInt("MAX_AGENT_DEPTH", 0),
		},
		Telemetry: TelemetryConfig{
			Endpoint: os.Getenv("TELEMETRY_ENDPOINT"),
		},
		Server: ServerConfig{
			Host: os.Getenv("SERVER_HOST"),
			Port: envInt("SERVER_PORT", 0),
		},
	}

	if secs := envInt("PERMISSION_TIMEOUT_SECONDS", 0); secs > 0 {
		cfg.Agent.PermissionTimeout = time.Duration(secs) * time.Second
	}

	for _, name := range toolEndpointNames {
		key := "TOOL_BACKEND_" + strings.ToUpper(name) + "_URL"
		if url := os.Getenv(key); url != "" {
			cfg.Tools.Endpoints[name] = ExpandEnvVars(url)
		}
	}

	cfg.SetDefaults()
	return cfg
}
