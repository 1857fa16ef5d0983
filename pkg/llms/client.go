// Package llms implements the streaming client for the Anthropic-style
// messages API: it opens a streaming completion, reassembles content blocks
// from incremental deltas, and reports token usage.
package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/httpclient"
	"github.com/forgeworks/pilot/pkg/protocol"
)

const anthropicVersion = "2023-06-01"

type Client struct {
	cfg        *config.LLMProviderConfig
	model      string
	httpClient *httpclient.Client
	recorder   UsageRecorder
}

type ClientOption func(*Client)

// WithModel overrides the configured model (used by the summarizer).
func WithModel(model string) ClientOption {
	return func(c *Client) {
		c.model = model
	}
}

// WithSharedHTTPClient reuses an existing pooled client instead of building
// a new one.
func WithSharedHTTPClient(hc *httpclient.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithUsageRecorder(rec UsageRecorder) ClientOption {
	return func(c *Client) {
		c.recorder = rec
	}
}

func NewClient(cfg *config.LLMProviderConfig, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		model: cfg.Model,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.ReadTimeout) * time.Second,
				Transport: &http.Transport{
					DialContext: (&net.Dialer{
						Timeout: time.Duration(cfg.ConnectTimeout) * time.Second,
					}).DialContext,
				},
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		)
	}

	return c, nil
}

// SharedHTTPClient exposes the underlying pooled client for reuse.
func (c *Client) SharedHTTPClient() *httpclient.Client {
	return c.httpClient
}

func (c *Client) Model() string {
	return c.model
}

type wireMessage struct {
	Role    string                  `json:"role"`
	Content []protocol.ContentBlock `json:"content"`
}

type thinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type messagesRequest struct {
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens"`
	Temperature float64                 `json:"temperature,omitempty"`
	System      []protocol.ContentBlock `json:"system,omitempty"`
	Messages    []wireMessage           `json:"messages"`
	Tools       []ToolDefinition        `json:"tools,omitempty"`
	Thinking    *thinkingConfig         `json:"thinking,omitempty"`
	Stream      bool                    `json:"stream"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type messagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []protocol.ContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      Usage                   `json:"usage"`
	Error      *apiError               `json:"error,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type streamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index,omitempty"`
	Delta        *streamDelta           `json:"delta,omitempty"`
	ContentBlock *protocol.ContentBlock `json:"content_block,omitempty"`
	Message      *messagesResponse      `json:"message,omitempty"`
	Usage        *Usage                 `json:"usage,omitempty"`
	Error        *apiError              `json:"error,omitempty"`
}

func (c *Client) buildRequest(system []protocol.ContentBlock, messages []protocol.Message, tools []ToolDefinition, stream bool) messagesRequest {
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, wireMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	req := messagesRequest{
		Model:       c.model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		System:      system,
		Messages:    wire,
		Tools:       tools,
		Stream:      stream,
	}

	if c.cfg.ThinkingBudget > 0 {
		req.Thinking = &thinkingConfig{
			Type:         "enabled",
			BudgetTokens: c.cfg.ThinkingBudget,
		}
	}

	return req
}

func (c *Client) newHTTPRequest(ctx context.Context, request messagesRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	return req, nil
}

// Stream opens a streaming completion. The returned channel is closed after
// a terminal done or error chunk; it is never closed without one.
func (c *Client) Stream(ctx context.Context, system []protocol.ContentBlock, messages []protocol.Message, tools []ToolDefinition) (<-chan Chunk, error) {
	request := c.buildRequest(system, messages, tools, true)

	outputCh := make(chan Chunk, 100)

	go func() {
		defer close(outputCh)

		if err := c.streamRequest(ctx, request, outputCh); err != nil {
			sendChunk(ctx, outputCh, Chunk{Type: ChunkError, Err: err})
		}
	}()

	return outputCh, nil
}

// sendChunk delivers one chunk unless the context is done. An abandoned
// consumer must not park the producer in a channel send forever.
func sendChunk(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) streamRequest(ctx context.Context, request messagesRequest, outputCh chan<- Chunk) error {
	req, err := c.newHTTPRequest(ctx, request)
	if err != nil {
		return err
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Reassembly state, keyed by stream block index.
	blocks := make(map[int]*protocol.ContentBlock)
	jsonBuffers := make(map[int]string)
	var content []protocol.ContentBlock
	var usage Usage
	var stopReason string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			slog.Warn("skipping malformed stream event", "error", err)
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("provider error: %s: %s", event.Error.Type, event.Error.Message)
			}
			return fmt.Errorf("provider error")

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
				usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
			}

		case "content_block_start":
			if event.ContentBlock == nil {
				continue
			}
			block := *event.ContentBlock
			blocks[event.Index] = &block

			if block.Type == protocol.BlockToolUse {
				jsonBuffers[event.Index] = ""
				if !sendChunk(ctx, outputCh, Chunk{
					Type:     ChunkToolUseStart,
					ToolID:   block.ID,
					ToolName: block.Name,
				}) {
					return ctx.Err()
				}
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			block, ok := blocks[event.Index]
			if !ok {
				continue
			}

			var chunk Chunk
			switch event.Delta.Type {
			case "thinking_delta":
				block.Thinking += event.Delta.Thinking
				chunk = Chunk{Type: ChunkThinking, Text: event.Delta.Thinking}
			case "signature_delta":
				block.Signature += event.Delta.Signature
				chunk = Chunk{Type: ChunkSignature, Text: event.Delta.Signature}
			case "text_delta":
				block.Text += event.Delta.Text
				chunk = Chunk{Type: ChunkText, Text: event.Delta.Text}
			case "input_json_delta":
				jsonBuffers[event.Index] += event.Delta.PartialJSON
				chunk = Chunk{Type: ChunkToolInput}
			default:
				continue
			}
			if !sendChunk(ctx, outputCh, chunk) {
				return ctx.Err()
			}

		case "content_block_stop":
			block, ok := blocks[event.Index]
			if !ok {
				continue
			}

			if block.Type == protocol.BlockToolUse {
				block.Input = parseToolInput(jsonBuffers[event.Index], block.Name)
				delete(jsonBuffers, event.Index)
			}

			content = append(content, *block)
			delete(blocks, event.Index)

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			message := protocol.NewAssistant(content)

			c.recordUsage(ctx, UsageRecord{
				Model:    c.model,
				Purpose:  "completion",
				Duration: time.Since(started),
				Usage:    usage,
			})

			if !sendChunk(ctx, outputCh, Chunk{
				Type:       ChunkDone,
				Message:    &message,
				Usage:      usage,
				StopReason: stopReason,
			}) {
				return ctx.Err()
			}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	return fmt.Errorf("stream ended without message_stop")
}

// parseToolInput decodes a streamed tool-input JSON accumulator. Empty or
// malformed input yields an empty object rather than failing the stream.
func parseToolInput(raw, toolName string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		slog.Warn("malformed tool input JSON, using empty object",
			"tool", toolName, "error", err)
		return map[string]any{}
	}
	return input
}

// Complete performs a non-streaming completion, used by the summarizer.
func (c *Client) Complete(ctx context.Context, system []protocol.ContentBlock, messages []protocol.Message) (string, Usage, error) {
	request := c.buildRequest(system, messages, nil, false)

	req, err := c.newHTTPRequest(ctx, request)
	if err != nil {
		return "", Usage{}, err
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil && resp == nil {
		return "", Usage{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response messagesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", Usage{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != nil {
		return "", Usage{}, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	c.recordUsage(ctx, UsageRecord{
		Model:    c.model,
		Purpose:  "summarization",
		Duration: time.Since(started),
		Usage:    response.Usage,
	})

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == protocol.BlockText {
			text.WriteString(block.Text)
		}
	}

	return text.String(), response.Usage, nil
}

func (c *Client) recordUsage(ctx context.Context, rec UsageRecord) {
	if c.recorder == nil {
		return
	}
	go c.recorder.RecordUsage(context.WithoutCancel(ctx), rec)
}
