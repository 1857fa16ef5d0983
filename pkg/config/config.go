// Package config defines the runtime configuration for pilot.
//
// Every knob is a flat field on a per-section struct with a SetDefaults
// method. Values come from the environment (see env.go); the serve command
// loads .env files before reading them.
package config

import (
	"fmt"
	"time"
)

// LLMProviderConfig configures the streaming LLM provider.
type LLMProviderConfig struct {
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	Host           string  `yaml:"host"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	ConnectTimeout int     `yaml:"connect_timeout"` // seconds
	ReadTimeout    int     `yaml:"read_timeout"`    // seconds
	MaxRetries     int     `yaml:"max_retries"`
	RetryDelay     int     `yaml:"retry_delay"` // seconds

	// ThinkingBudget enables extended reasoning when > 0.
	ThinkingBudget int `yaml:"thinking_budget"`

	// SummarizerModel is the smaller model used for conversation
	// summarization. Defaults to Model when empty.
	SummarizerModel string `yaml:"summarizer_model"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "https://api.anthropic.com"
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-20250514"
	}
	if c.Temperature == 0 {
		c.Temperature = 1.0
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 60
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 300
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
	if c.SummarizerModel == "" {
		c.SummarizerModel = c.Model
	}
}

func (c *LLMProviderConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("LLM API key is required (set LLM_API_KEY)")
	}
	return nil
}

// ToolBackendConfig holds the per-tool HTTP endpoints of the external
// tool-execution backend.
type ToolBackendConfig struct {
	Endpoints map[string]string `yaml:"endpoints"` // tool name -> URL

	ConnectTimeout int `yaml:"connect_timeout"` // seconds
	ReadTimeout    int `yaml:"read_timeout"`    // seconds

	// MaxResultChars bounds tool result payloads before they enter the
	// conversation. StreamingMaxResultChars applies on streaming paths.
	MaxResultChars          int `yaml:"max_result_chars"`
	StreamingMaxResultChars int `yaml:"streaming_max_result_chars"`
}

func (c *ToolBackendConfig) SetDefaults() {
	if c.Endpoints == nil {
		c.Endpoints = make(map[string]string)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 60
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 300
	}
	if c.MaxResultChars == 0 {
		c.MaxResultChars = 32000
	}
	if c.StreamingMaxResultChars == 0 {
		c.StreamingMaxResultChars = 8000
	}
}

// AgentConfig bounds the agent loop and conversation memory.
type AgentConfig struct {
	MaxDepth          int `yaml:"max_depth"`
	ToolCallQuota     int `yaml:"tool_call_quota"`
	ContextTokenLimit int `yaml:"context_token_limit"`
	SummaryTailSize   int `yaml:"summary_tail_size"`

	PermissionTimeout time.Duration `yaml:"permission_timeout"`
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxDepth == 0 {
		c.MaxDepth = 50
	}
	if c.ToolCallQuota == 0 {
		c.ToolCallQuota = 25
	}
	if c.ContextTokenLimit == 0 {
		c.ContextTokenLimit = 100000
	}
	if c.SummaryTailSize == 0 {
		c.SummaryTailSize = 5
	}
	if c.PermissionTimeout == 0 {
		c.PermissionTimeout = 60 * time.Second
	}
}

// TelemetryConfig configures the fire-and-forget usage sink.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"` // empty disables HTTP delivery
	Timeout  int    `yaml:"timeout"`  // seconds
}

func (c *TelemetryConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10
	}
}

// ServerConfig configures the HTTP session controller.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Config is the top-level runtime configuration.
type Config struct {
	LLM       LLMProviderConfig `yaml:"llm"`
	Tools     ToolBackendConfig `yaml:"tools"`
	Agent     AgentConfig       `yaml:"agent"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	Server    ServerConfig      `yaml:"server"`
}

func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	c.Tools.SetDefaults()
	c.Agent.SetDefaults()
	c.Telemetry.SetDefaults()
	c.Server.SetDefaults()
}

func (c *Config) Validate() error {
	return c.LLM.Validate()
}
