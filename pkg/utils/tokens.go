// Package utils holds small shared helpers.
package utils

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/forgeworks/pilot/pkg/protocol"
)

const defaultEncoding = "cl100k_base"

// TokenCounter counts tokens with a fixed tiktoken encoding, falling back to
// a characters/4 estimate when the encoder is unavailable.
type TokenCounter struct {
	encodingName string

	once     sync.Once
	encoding *tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodingName: defaultEncoding}
}

func (t *TokenCounter) encoder() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encodingName)
		if err != nil {
			slog.Warn("token encoder unavailable, using character estimate",
				"encoding", t.encodingName, "error", err)
			return
		}
		t.encoding = enc
	})
	return t.encoding
}

// CountText returns the token count of a raw string.
func (t *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := t.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// CountMessage returns the token cost of one message, including a small
// per-message overhead for role framing.
func (t *TokenCounter) CountMessage(msg protocol.Message) int {
	const tokensPerMessage = 3

	total := tokensPerMessage
	for _, block := range msg.Content {
		switch block.Type {
		case protocol.BlockText:
			total += t.CountText(block.Text)
		case protocol.BlockThinking:
			total += t.CountText(block.Thinking)
			total += t.CountText(block.Signature)
		case protocol.BlockToolUse:
			total += t.CountText(block.Name)
			for k, v := range block.Input {
				total += t.CountText(k)
				if s, ok := v.(string); ok {
					total += t.CountText(s)
				} else {
					total += 1
				}
			}
		case protocol.BlockToolResult:
			total += t.CountText(block.Content)
		}
	}
	return total
}

// EstimateTokens approximates token count as len/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}
