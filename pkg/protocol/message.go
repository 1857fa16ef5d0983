// Package protocol defines the conversation message model shared by the
// LLM client, conversation memory, and agent loop.
package protocol

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block type tags, matching the provider wire format.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// CacheControl marks a block as a stable prompt prefix the provider may
// serve from cache.
type CacheControl struct {
	Type string `json:"type"`
}

func EphemeralCache() *CacheControl {
	return &CacheControl{Type: "ephemeral"}
}

// ContentBlock is one unit of message content. The Type tag selects which
// fields are meaningful:
//
//	text:        Text
//	thinking:    Thinking + Signature (an atomic pair, replayed verbatim)
//	tool_use:    ID, Name, Input
//	tool_result: ToolUseID, Content (user messages only)
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// Message is one conversation turn. Timestamp orders messages for
// summarization and is never sent to the provider.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"-"`
}

func NewUserText(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now(),
	}
}

func NewToolResult(toolUseID, payload string) Message {
	return Message{
		Role: RoleUser,
		Content: []ContentBlock{{
			Type:      BlockToolResult,
			ToolUseID: toolUseID,
			Content:   payload,
		}},
		Timestamp: time.Now(),
	}
}

func NewAssistant(blocks []ContentBlock) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   blocks,
		Timestamp: time.Now(),
	}
}

// Text concatenates the message's output-text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool-use blocks in declared order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolResultIDs returns the tool-use ids referenced by the message's
// tool-result blocks.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// HasToolUse reports whether the message carries at least one tool-use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}
