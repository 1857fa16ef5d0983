// Package agent drives the tool-using completion loop: request a streaming
// completion, surface its events, dispatch any tool calls with permission
// gating, append the results to memory, and repeat until the model stops
// calling tools.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/llms"
	"github.com/forgeworks/pilot/pkg/memory"
	"github.com/forgeworks/pilot/pkg/permission"
	"github.com/forgeworks/pilot/pkg/protocol"
	"github.com/forgeworks/pilot/pkg/tools"
)

const completionFallback = "All tasks completed successfully."
const permissionDeniedResult = "Permission denied by user"
const quotaDeniedResult = "Tool call not executed: tool call limit reached"
const streamInterruptedResult = "Tool call not executed: stream interrupted"

type Agent struct {
	llm        *llms.Client
	dispatcher *tools.Dispatcher
	broker     *permission.Broker
	cfg        *config.AgentConfig
	defs       []llms.ToolDefinition
}

func New(llm *llms.Client, dispatcher *tools.Dispatcher, broker *permission.Broker, cfg *config.AgentConfig) *Agent {
	return &Agent{
		llm:        llm,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		defs:       tools.Definitions(),
	}
}

// emitFunc delivers one outbound event; it reports false when the consumer
// is gone and the loop should stop.
type emitFunc func(protocol.StreamEvent) bool

// Run executes the loop for one query and closes out when done. The stream
// always ends with exactly one final_response or error event unless the
// consumer disconnects first.
func (a *Agent) Run(ctx context.Context, sess *Session, out chan<- protocol.StreamEvent) {
	defer close(out)

	emit := func(ev protocol.StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	a.run(ctx, sess, emit)
}

func (a *Agent) run(ctx context.Context, sess *Session, emit emitFunc) {
	for depth := 0; ; depth++ {
		if depth >= a.cfg.MaxDepth {
			emit(protocol.NewStreamEvent(protocol.EventError, "maximum depth reached", map[string]any{
				"kind":  "depth_exceeded",
				"depth": depth,
			}))
			return
		}

		sess.Memory.MaybeSummarize(ctx)

		system, messages := sess.Memory.Replay()

		chunks, err := a.llm.Stream(ctx, system, messages, a.defs)
		if err != nil {
			emit(protocol.NewStreamEvent(protocol.EventError, err.Error(), nil))
			return
		}

		assistant, ok := a.relayStream(chunks, emit)
		if !ok {
			return
		}

		stored := sess.Memory.AddAssistantMessage(*assistant)
		uses := stored.ToolUses()

		if len(uses) == 0 {
			text := strings.TrimSpace(stored.Text())
			if text == "" {
				text = completionFallback
			}
			emit(protocol.NewStreamEvent(protocol.EventFinalResponse, text, nil))
			return
		}

		if !a.checkToolQuota(ctx, sess, uses, emit) {
			return
		}

		for i, use := range uses {
			if !emit(protocol.NewStreamEvent(protocol.EventToolExecution,
				fmt.Sprintf("Executing %s", use.Name),
				map[string]any{"tool_id": use.ID, "tool_name": use.Name})) {
				pairUnexecuted(sess, uses[i:], streamInterruptedResult)
				return
			}

			payload, success, delivered := a.executeTool(ctx, sess, use, emit)
			if !delivered {
				pairUnexecuted(sess, uses[i:], streamInterruptedResult)
				return
			}

			emitted := emit(protocol.NewStreamEvent(protocol.EventToolResult, payload, map[string]any{
				"tool_id":   use.ID,
				"tool_name": use.Name,
				"error":     !success,
			}))

			sess.Memory.AddToolResult(use.ID, payload)
			sess.Memory.RecordToolCall(memory.ToolCallRecord{
				Tool:          use.Name,
				Input:         use.Input,
				ResultSummary: tools.Truncate(payload, 200),
				Timestamp:     time.Now(),
				Success:       success,
			})

			if !emitted {
				pairUnexecuted(sess, uses[i+1:], streamInterruptedResult)
				return
			}
		}
	}
}

// relayStream forwards streaming chunks as outbound events and returns the
// reassembled assistant message. ok is false when the stream failed or the
// consumer disconnected; a failed stream has already emitted its error.
func (a *Agent) relayStream(chunks <-chan llms.Chunk, emit emitFunc) (*protocol.Message, bool) {
	var assistant *protocol.Message

	for chunk := range chunks {
		switch chunk.Type {
		case llms.ChunkThinking:
			if !emit(protocol.NewStreamEvent(protocol.EventThinking, chunk.Text, nil)) {
				return nil, false
			}
		case llms.ChunkSignature:
			// Signatures stay internal to memory.
		case llms.ChunkText:
			if !emit(protocol.NewStreamEvent(protocol.EventAssistantResponse, chunk.Text, nil)) {
				return nil, false
			}
		case llms.ChunkToolUseStart:
			if !emit(protocol.NewStreamEvent(protocol.EventToolSelection, chunk.ToolName, map[string]any{
				"tool_id":   chunk.ToolID,
				"tool_name": chunk.ToolName,
			})) {
				return nil, false
			}
		case llms.ChunkToolInput:
			if !emit(protocol.NewStreamEvent(protocol.EventToolExecution, ".", map[string]any{
				"heartbeat": true,
			})) {
				return nil, false
			}
		case llms.ChunkDone:
			assistant = chunk.Message
		case llms.ChunkError:
			emit(protocol.NewStreamEvent(protocol.EventError, chunk.Err.Error(), map[string]any{
				"kind": "provider_error",
			}))
			return nil, false
		}
	}

	if assistant == nil {
		emit(protocol.NewStreamEvent(protocol.EventError, "stream ended without a completed message", map[string]any{
			"kind": "provider_error",
		}))
		return nil, false
	}
	return assistant, true
}

// checkToolQuota enforces the soft tool-call quota: when crossed, the user
// is asked to confirm continuation. Returns false when the loop should stop.
// Denial pairs every pending tool use with a synthetic result so the message
// log stays replayable.
func (a *Agent) checkToolQuota(ctx context.Context, sess *Session, uses []protocol.ContentBlock, emit emitFunc) bool {
	allowance := a.cfg.ToolCallQuota * (sess.QuotaExtensions() + 1)
	used := sess.Memory.ToolCallCount()
	if a.cfg.ToolCallQuota <= 0 || used+len(uses) <= allowance {
		return true
	}

	id := a.broker.NewRequestID()
	a.broker.Register(id)
	if !emit(protocol.NewStreamEvent(protocol.EventPermissionRequest,
		fmt.Sprintf("The session has used %d tool calls. Continue?", used),
		map[string]any{"permission_id": id, "reason": "tool_call_quota"})) {
		a.broker.Cancel(id)
		pairUnexecuted(sess, uses, streamInterruptedResult)
		return false
	}

	if !a.broker.Await(ctx, id) {
		pairUnexecuted(sess, uses, quotaDeniedResult)
		emit(protocol.NewStreamEvent(protocol.EventFinalResponse,
			"Stopped after reaching the tool call limit.", nil))
		return false
	}

	sess.ExtendQuota()
	return true
}

// pairUnexecuted appends a synthetic result for each tool use that will not
// be dispatched, so every tool use in memory stays paired.
func pairUnexecuted(sess *Session, uses []protocol.ContentBlock, reason string) {
	for _, use := range uses {
		sess.Memory.AddToolResult(use.ID, reason)
	}
}

// executeTool runs one tool call. delivered is false only when the consumer
// disconnected mid-gating; success is false for denials, safety rejections,
// and dispatch failures.
func (a *Agent) executeTool(ctx context.Context, sess *Session, use protocol.ContentBlock, emit emitFunc) (payload string, success, delivered bool) {
	if use.Name == tools.ToolRunTerminalCommand {
		command, _ := use.Input["command"].(string)

		if blocked, reason := tools.CheckCommand(command); blocked {
			slog.Warn("blocked dangerous command", "command", command, "reason", reason)
			return fmt.Sprintf("SECURITY ALERT: command rejected: %s", reason), false, true
		}

		id := a.broker.NewRequestID()
		a.broker.Register(id)
		if !emit(protocol.NewStreamEvent(protocol.EventPermissionRequest, command, map[string]any{
			"permission_id": id,
			"tool_id":       use.ID,
			"tool_name":     use.Name,
			"command":       command,
		})) {
			a.broker.Cancel(id)
			return "", false, false
		}

		if !a.broker.Await(ctx, id) {
			return permissionDeniedResult, false, true
		}
	}

	payload, ok := a.dispatcher.Dispatch(ctx, use.Name, use.Input, sess.Context, true)
	return payload, ok, true
}
