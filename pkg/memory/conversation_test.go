package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/pilot/pkg/protocol"
	"github.com/forgeworks/pilot/pkg/utils"
)

type stubSummarizer struct {
	out        string
	err        error
	calls      int
	transcript string
}

func (s *stubSummarizer) Summarize(_ context.Context, transcript string) (string, error) {
	s.calls++
	s.transcript = transcript
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

func newTestConversation(ceiling, tail int, summarizer Summarizer) *Conversation {
	if summarizer == nil {
		summarizer = &stubSummarizer{out: "summary"}
	}
	return NewConversation(utils.NewTokenCounter(), summarizer, ceiling, tail)
}

func assistantWithToolUse(id, name string) protocol.Message {
	return protocol.NewAssistant([]protocol.ContentBlock{
		{Type: protocol.BlockToolUse, ID: id, Name: name, Input: map[string]any{"file_path": "a.go"}},
	})
}

// recompute mirrors the counter invariant: total equals system prompt plus
// summary plus every message.
func recompute(c *Conversation) int {
	counter := utils.NewTokenCounter()
	total := counter.CountText(c.systemPrompt) + counter.CountText(c.summary)
	for _, msg := range c.messages {
		total += counter.CountMessage(msg)
	}
	return total
}

func TestTokenCounterEqualsSum(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("You are a helpful assistant.")

	c.AddUserMessage("please read the config file")
	c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	c.AddToolResult("tu_1", "package config\n\nconst x = 1")
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{
		{Type: protocol.BlockText, Text: "The config defines x."},
	}))

	assert.Equal(t, recompute(c), c.TotalTokens())
}

func TestInitializeIsIdempotentForSamePrompt(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system prompt")
	c.AddUserMessage("hello")
	before := c.TotalTokens()

	c.Initialize("system prompt")

	assert.Equal(t, before, c.TotalTokens())
	assert.Equal(t, 1, c.MessageCount())
}

func TestInitializeRebuildsForNewPrompt(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("short")
	c.AddUserMessage("hello")

	c.Initialize("a much longer system prompt with more context in it")

	assert.Equal(t, recompute(c), c.TotalTokens())
	assert.Equal(t, 1, c.MessageCount())
}

func TestDuplicateToolUseIDRenamed(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system")

	first := c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	c.AddToolResult(first.ToolUses()[0].ID, "contents")

	second := c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	secondID := second.ToolUses()[0].ID
	c.AddToolResult(secondID, "contents again")

	assert.Equal(t, "tu_1", first.ToolUses()[0].ID)
	assert.NotEqual(t, "tu_1", secondID)

	// Both results pair with distinct live ids.
	_, messages := c.Replay()
	ids := make(map[string]int)
	for _, msg := range messages {
		for _, id := range msg.ToolResultIDs() {
			ids[id]++
		}
	}
	assert.Equal(t, 1, ids["tu_1"])
	assert.Equal(t, 1, ids[secondID])
}

func TestDuplicateToolResultReferenceRenamed(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system")

	c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	firstID := c.AddToolResult("tu_1", "first")
	secondID := c.AddToolResult("tu_1", "second")

	assert.Equal(t, "tu_1", firstID)
	assert.NotEqual(t, "tu_1", secondID)
}

func TestReplayShape(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system prompt")
	c.AddUserMessage("hello")

	system, messages := c.Replay()

	require.Len(t, system, 1)
	assert.Equal(t, "system prompt", system[0].Text)
	require.NotNil(t, system[0].CacheControl)
	assert.Equal(t, "ephemeral", system[0].CacheControl.Type)

	require.Len(t, messages, 1)
	assert.Equal(t, protocol.RoleUser, messages[0].Role)
}

func TestReplayIncludesSummaryCarrier(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system")
	c.summary = "earlier we discussed the config loader"
	c.AddUserMessage("continue")

	_, messages := c.Replay()

	require.Len(t, messages, 2)
	carrier := messages[0].Text()
	assert.True(t, strings.HasPrefix(carrier, summaryOpenTag))
	assert.Contains(t, carrier, "earlier we discussed the config loader")
	assert.True(t, strings.HasSuffix(carrier, summaryCloseTag))
}

func TestReasoningSignaturePreserved(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system")

	thinking := "the user wants the config file\nso I should read it"
	signature := "EqQBCkgIBBABGAIiQL5ZkzU="

	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{
		{Type: protocol.BlockThinking, Thinking: thinking, Signature: signature},
		{Type: protocol.BlockText, Text: "Reading it now."},
	}))

	_, messages := c.Replay()
	require.Len(t, messages, 1)

	block := messages[0].Content[0]
	assert.Equal(t, protocol.BlockThinking, block.Type)
	assert.Equal(t, thinking, block.Thinking)
	assert.Equal(t, signature, block.Signature)
}

func fillConversation(c *Conversation, turns int) {
	for i := 0; i < turns; i++ {
		c.AddUserMessage(fmt.Sprintf("question %d: %s", i, strings.Repeat("lorem ipsum ", 30)))
		c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{
			{Type: protocol.BlockText, Text: fmt.Sprintf("answer %d: %s", i, strings.Repeat("dolor sit ", 30))},
		}))
	}
}

func TestSummarizationTrigger(t *testing.T) {
	stub := &stubSummarizer{out: "the conversation so far"}
	c := newTestConversation(500, 5, stub)
	c.Initialize("system")

	fillConversation(c, 8)
	require.Greater(t, c.TotalTokens(), 500)

	c.MaybeSummarize(context.Background())

	assert.Equal(t, 1, stub.calls)
	assert.True(t, c.HasSummary())
	assert.Equal(t, 5, c.MessageCount())
	assert.Equal(t, recompute(c), c.TotalTokens())
}

func TestSummarizationBelowCeilingIsNoop(t *testing.T) {
	stub := &stubSummarizer{out: "unused"}
	c := newTestConversation(1000000, 5, stub)
	c.Initialize("system")
	fillConversation(c, 4)

	c.MaybeSummarize(context.Background())

	assert.Equal(t, 0, stub.calls)
	assert.False(t, c.HasSummary())
}

func TestSummarizationTranscriptFormat(t *testing.T) {
	stub := &stubSummarizer{out: "s"}
	c := newTestConversation(200, 2, stub)
	c.Initialize("system")

	c.AddUserMessage("read the file " + strings.Repeat("pad ", 100))
	c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	c.AddToolResult("tu_1", strings.Repeat("line\n", 100))
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{
		{Type: protocol.BlockText, Text: "done"},
	}))
	c.AddUserMessage("thanks")
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{
		{Type: protocol.BlockText, Text: "any time"},
	}))

	c.MaybeSummarize(context.Background())

	require.Equal(t, 1, stub.calls)
	assert.Contains(t, stub.transcript, "[Used tool: read_file]")
	assert.Contains(t, stub.transcript, "[Tool result received]")
	assert.Contains(t, stub.transcript, "user: read the file")
}

func TestSummarizationCutPreservesPairing(t *testing.T) {
	stub := &stubSummarizer{out: "s"}
	c := newTestConversation(300, 5, stub)
	c.Initialize("system")

	pad := strings.Repeat("word ", 40)
	c.AddUserMessage("q0 " + pad)
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{{Type: protocol.BlockText, Text: "a0 " + pad}}))
	c.AddUserMessage("q1 " + pad)
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{{Type: protocol.BlockText, Text: "a1 " + pad}}))
	c.AddUserMessage("q2 " + pad)
	c.AddAssistantMessage(assistantWithToolUse("tu_1", "read_file"))
	c.AddToolResult("tu_1", pad)
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{{Type: protocol.BlockText, Text: "a2 " + pad}}))
	c.AddUserMessage("q3 " + pad)
	c.AddAssistantMessage(protocol.NewAssistant([]protocol.ContentBlock{{Type: protocol.BlockText, Text: "a3 " + pad}}))
	c.AddUserMessage("q4 " + pad)

	// A naive cut would start the tail at the tool-result message.
	require.Equal(t, 11, c.MessageCount())
	require.Greater(t, c.TotalTokens(), 300)

	c.MaybeSummarize(context.Background())

	// The tail grew by one so the tool-use stays with its result.
	assert.Equal(t, 6, c.MessageCount())

	_, messages := c.Replay()
	first := messages[1] // index 0 is the summary carrier
	require.NotEmpty(t, first.ToolUses())
	assert.Equal(t, "tu_1", first.ToolUses()[0].ID)
}

func TestSummarizationConcatenatesSummaries(t *testing.T) {
	stub := &stubSummarizer{out: "first summary"}
	c := newTestConversation(500, 5, stub)
	c.Initialize("system")

	fillConversation(c, 8)
	c.MaybeSummarize(context.Background())
	require.True(t, c.HasSummary())

	stub.out = "second summary"
	fillConversation(c, 8)
	c.MaybeSummarize(context.Background())

	assert.Contains(t, c.summary, "first summary")
	assert.Contains(t, c.summary, summaryJoiner)
	assert.Contains(t, c.summary, "second summary")
}

func TestSummarizationFailureKeepsHistory(t *testing.T) {
	stub := &stubSummarizer{err: fmt.Errorf("model unavailable")}
	c := newTestConversation(500, 5, stub)
	c.Initialize("system")

	fillConversation(c, 8)
	before := c.MessageCount()

	c.MaybeSummarize(context.Background())

	assert.Equal(t, before, c.MessageCount())
	assert.False(t, c.HasSummary())
}

func TestSanitizeRewritesDuplicates(t *testing.T) {
	c := newTestConversation(100000, 5, nil)
	c.Initialize("system")

	// Inject a duplicate pair directly; the append path would have renamed
	// it, but imported histories may carry collisions.
	c.messages = []protocol.Message{
		protocol.NewAssistant([]protocol.ContentBlock{
			{Type: protocol.BlockToolUse, ID: "tu_1", Name: "read_file"},
		}),
		protocol.NewToolResult("tu_1", "first"),
		protocol.NewAssistant([]protocol.ContentBlock{
			{Type: protocol.BlockToolUse, ID: "tu_1", Name: "read_file"},
		}),
		protocol.NewToolResult("tu_1", "second"),
	}
	c.recomputeLocked()

	rewrites := c.Sanitize()

	assert.Equal(t, 2, rewrites)

	firstUse := c.messages[0].ToolUses()[0].ID
	secondUse := c.messages[2].ToolUses()[0].ID
	assert.Equal(t, "tu_1", firstUse)
	assert.NotEqual(t, "tu_1", secondUse)
	assert.Equal(t, "tu_1", c.messages[1].ToolResultIDs()[0])
	assert.Equal(t, secondUse, c.messages[3].ToolResultIDs()[0])

	assert.Equal(t, 0, c.Sanitize())
	assert.Equal(t, recompute(c), c.totalTokens)
}

func TestToolCallRecords(t *testing.T) {
	c := newTestConversation(100000, 5, nil)

	c.RecordToolCall(ToolCallRecord{Tool: "read_file", Success: true, Timestamp: time.Now()})
	c.RecordToolCall(ToolCallRecord{Tool: "edit_file", Success: false, Timestamp: time.Now()})

	assert.Equal(t, 2, c.ToolCallCount())
}
