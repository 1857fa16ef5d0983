// Package memory implements the bounded, self-summarizing conversation log.
//
// A Conversation owns an ordered message list with running token accounting,
// a cache-marked system prompt, and a rolling summary produced by a
// secondary model when the token ceiling is crossed.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/pilot/pkg/protocol"
	"github.com/forgeworks/pilot/pkg/utils"
)

const summaryOpenTag = "<CONVERSATION_SUMMARY>"
const summaryCloseTag = "</CONVERSATION_SUMMARY>"
const summaryJoiner = "\n\n--- NEW SUMMARY ---\n\n"

// Summarizer compresses a rendered transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// ToolCallRecord captures one tool invocation for observability. Records are
// never replayed to the model.
type ToolCallRecord struct {
	Tool          string
	Input         map[string]any
	ResultSummary string
	Timestamp     time.Time
	Success       bool
}

// Conversation is the per-session message log. All methods are safe for
// concurrent use, though a session drives it from a single loop.
type Conversation struct {
	mu sync.Mutex

	counter    *utils.TokenCounter
	summarizer Summarizer

	tokenCeiling int
	tailSize     int

	systemPrompt string
	systemTokens int

	summary       string
	summaryTokens int

	messages    []protocol.Message
	totalTokens int

	toolCalls []ToolCallRecord
}

func NewConversation(counter *utils.TokenCounter, summarizer Summarizer, tokenCeiling, tailSize int) *Conversation {
	return &Conversation{
		counter:      counter,
		summarizer:   summarizer,
		tokenCeiling: tokenCeiling,
		tailSize:     tailSize,
	}
}

// Initialize installs the system prompt. The prompt is written once; calling
// again with a different prompt rebuilds the token accounting around the new
// prompt while keeping the message history.
func (c *Conversation) Initialize(systemPrompt string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if systemPrompt == c.systemPrompt {
		return
	}

	c.systemPrompt = systemPrompt
	c.systemTokens = c.counter.CountText(systemPrompt)
	c.recomputeLocked()
}

func (c *Conversation) AddUserMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := protocol.NewUserText(text)
	c.appendLocked(msg)
}

// AddAssistantMessage appends a reassembled assistant turn. Tool-use ids
// that collide with ids already in memory are renamed before append. The
// stored message is returned so callers pair tool results against the
// renamed ids.
func (c *Conversation) AddAssistantMessage(msg protocol.Message) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := protocol.Message{
		Role:      msg.Role,
		Content:   append([]protocol.ContentBlock(nil), msg.Content...),
		Timestamp: msg.Timestamp,
	}
	live := c.liveToolUseIDsLocked()

	for i := range stored.Content {
		block := &stored.Content[i]
		if block.Type != protocol.BlockToolUse {
			continue
		}
		if _, taken := live[block.ID]; taken {
			fresh := "toolu_" + uuid.NewString()
			slog.Warn("renaming duplicate tool-use id", "old", block.ID, "new", fresh)
			block.ID = fresh
		}
		live[block.ID] = struct{}{}
	}

	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}
	c.appendLocked(stored)
	return stored
}

// AddToolResult appends a tool-result user message. If a prior tool-result
// already references the same id, the new reference is renamed to a fresh
// unique value. Returns the id actually stored.
func (c *Conversation) AddToolResult(toolUseID, payload string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := toolUseID
	for _, msg := range c.messages {
		if msg.Role != protocol.RoleUser {
			continue
		}
		for _, existing := range msg.ToolResultIDs() {
			if existing == id {
				id = "toolu_" + uuid.NewString()
				slog.Warn("renaming duplicate tool-result reference", "old", toolUseID, "new", id)
			}
		}
	}

	c.appendLocked(protocol.NewToolResult(id, payload))
	return id
}

func (c *Conversation) appendLocked(msg protocol.Message) {
	c.messages = append(c.messages, msg)
	c.totalTokens += c.counter.CountMessage(msg)
}

func (c *Conversation) liveToolUseIDsLocked() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, msg := range c.messages {
		for _, use := range msg.ToolUses() {
			ids[use.ID] = struct{}{}
		}
	}
	return ids
}

// RecordToolCall appends an observability record.
func (c *Conversation) RecordToolCall(rec ToolCallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCalls = append(c.toolCalls, rec)
}

func (c *Conversation) ToolCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.toolCalls)
}

func (c *Conversation) TotalTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalTokens
}

func (c *Conversation) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *Conversation) HasSummary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary != ""
}

// Replay returns the system blocks and message list sent to the model:
// the cache-marked system prompt, a synthetic summary carrier when a
// summary exists, then every current message in order.
func (c *Conversation) Replay() ([]protocol.ContentBlock, []protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var system []protocol.ContentBlock
	if c.systemPrompt != "" {
		system = []protocol.ContentBlock{{
			Type:         protocol.BlockText,
			Text:         c.systemPrompt,
			CacheControl: protocol.EphemeralCache(),
		}}
	}

	messages := make([]protocol.Message, 0, len(c.messages)+1)
	if c.summary != "" {
		messages = append(messages, protocol.Message{
			Role: protocol.RoleUser,
			Content: []protocol.ContentBlock{{
				Type: protocol.BlockText,
				Text: summaryOpenTag + "\n" + c.summary + "\n" + summaryCloseTag,
			}},
		})
	}
	messages = append(messages, c.messages...)

	return system, messages
}

// Sanitize rewrites duplicate tool-use ids across the whole log, fixing the
// paired tool-result references. Returns the number of rewrites.
func (c *Conversation) Sanitize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	renames := make(map[string]string)
	rewrites := 0

	for mi := range c.messages {
		msg := &c.messages[mi]
		for bi := range msg.Content {
			block := &msg.Content[bi]
			switch block.Type {
			case protocol.BlockToolUse:
				if _, dup := seen[block.ID]; dup {
					fresh := "toolu_" + uuid.NewString()
					renames[block.ID] = fresh
					block.ID = fresh
					rewrites++
				}
				seen[block.ID] = struct{}{}
			case protocol.BlockToolResult:
				if fresh, ok := renames[block.ToolUseID]; ok {
					delete(renames, block.ToolUseID)
					block.ToolUseID = fresh
					rewrites++
				}
			}
		}
	}

	if rewrites > 0 {
		c.recomputeLocked()
	}
	return rewrites
}

// MaybeSummarize compresses older messages when the token ceiling has been
// crossed. Failure is logged, never raised; memory keeps growing until the
// next trigger.
func (c *Conversation) MaybeSummarize(ctx context.Context) {
	c.mu.Lock()

	if c.tokenCeiling <= 0 || c.totalTokens <= c.tokenCeiling {
		c.mu.Unlock()
		return
	}

	cut := c.pairingSafeCutLocked()
	if cut <= 0 {
		c.mu.Unlock()
		return
	}

	head := make([]protocol.Message, cut)
	copy(head, c.messages[:cut])
	transcript := renderTranscript(head)

	c.mu.Unlock()

	newSummary, err := c.summarizer.Summarize(ctx, transcript)
	if err != nil {
		slog.Warn("summarization failed, keeping full history", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Memory may have grown while the summarizer ran; the cut index still
	// addresses the same prefix because messages are append-only.
	if cut > len(c.messages) {
		cut = len(c.messages)
	}

	if c.summary != "" {
		c.summary = c.summary + summaryJoiner + newSummary
	} else {
		c.summary = newSummary
	}

	c.messages = append([]protocol.Message(nil), c.messages[cut:]...)
	c.recomputeLocked()

	slog.Info("conversation summarized",
		"dropped_messages", cut,
		"kept_messages", len(c.messages),
		"total_tokens", c.totalTokens)
}

// pairingSafeCutLocked returns the index separating the summarized head from
// the kept tail. The cut never splits a tool-use from its tool-result: when
// the first tail message carries tool-results, the cut moves earlier until
// the matching tool-use is inside the tail.
func (c *Conversation) pairingSafeCutLocked() int {
	cut := len(c.messages) - c.tailSize
	if cut <= 0 {
		return 0
	}

	for cut > 0 {
		first := c.messages[cut]
		if first.Role == protocol.RoleUser && len(first.ToolResultIDs()) > 0 {
			cut--
			continue
		}
		break
	}
	return cut
}

func (c *Conversation) recomputeLocked() {
	c.summaryTokens = c.counter.CountText(c.summary)
	total := c.systemTokens + c.summaryTokens
	for _, msg := range c.messages {
		total += c.counter.CountMessage(msg)
	}
	c.totalTokens = total
}

// renderTranscript renders messages into the compact form handed to the
// summarizer: one line per message, tool activity collapsed to markers.
func renderTranscript(messages []protocol.Message) string {
	var sb strings.Builder

	for _, msg := range messages {
		ts := msg.Timestamp.Format("2006-01-02 15:04:05")

		var parts []string
		for _, block := range msg.Content {
			switch block.Type {
			case protocol.BlockText:
				if block.Text != "" {
					parts = append(parts, block.Text)
				}
			case protocol.BlockThinking:
				// Reasoning is internal; it never reaches the summarizer.
			case protocol.BlockToolUse:
				parts = append(parts, fmt.Sprintf("[Used tool: %s]", block.Name))
			case protocol.BlockToolResult:
				parts = append(parts, "[Tool result received]")
			}
		}

		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", ts, msg.Role, strings.Join(parts, " ")))
	}

	return sb.String()
}
