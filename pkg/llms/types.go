package llms

import (
	"context"
	"time"

	"github.com/forgeworks/pilot/pkg/protocol"
)

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage is the provider's token accounting for one completion.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// UsageRecord is one telemetry entry for a completed LLM call.
type UsageRecord struct {
	Model    string
	Purpose  string
	Duration time.Duration
	Usage    Usage
}

// UsageRecorder receives usage records. Implementations must not block the
// caller; delivery failures are logged and swallowed.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec UsageRecord)
}

type ChunkType string

const (
	ChunkThinking     ChunkType = "thinking"
	ChunkSignature    ChunkType = "signature"
	ChunkText         ChunkType = "text"
	ChunkToolUseStart ChunkType = "tool_use_start"
	ChunkToolInput    ChunkType = "tool_input"
	ChunkDone         ChunkType = "done"
	ChunkError        ChunkType = "error"
)

// Chunk is one unit of streaming output. Fields are populated per Type:
// Text for thinking/signature/text deltas, ToolID/ToolName at tool-use
// start, Message/Usage/StopReason on done, Err on error.
type Chunk struct {
	Type ChunkType

	Text string

	ToolID   string
	ToolName string

	Message    *protocol.Message
	Usage      Usage
	StopReason string

	Err error
}
