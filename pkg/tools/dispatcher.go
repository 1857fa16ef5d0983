// Package tools routes tool invocations to the external tool-execution
// backend: one HTTP endpoint per tool, with implicit workspace context,
// a shell-command safety filter, and response normalization.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgeworks/pilot/pkg/config"
	"github.com/forgeworks/pilot/pkg/httpclient"
)

var toolDispatchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pilot_tool_dispatches_total",
		Help: "Tool dispatches by tool and outcome.",
	},
	[]string{"tool", "outcome"},
)

// SessionContext carries the per-session values injected into tool inputs.
type SessionContext struct {
	WorkspacePath string
	WorkspaceHash string
	GitBranch     string
}

// Dispatcher forwards tool calls to the configured backend endpoints.
type Dispatcher struct {
	cfg        *config.ToolBackendConfig
	httpClient *httpclient.Client
}

func NewDispatcher(cfg *config.ToolBackendConfig) *Dispatcher {
	return &Dispatcher{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.ReadTimeout) * time.Second,
				Transport: &http.Transport{
					DialContext: (&net.Dialer{
						Timeout: time.Duration(cfg.ConnectTimeout) * time.Second,
					}).DialContext,
				},
			}),
		),
	}
}

// backendResponse is the JSON envelope every backend endpoint returns.
type backendResponse struct {
	Data    any    `json:"data"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Dispatch routes one tool call and returns the normalized text payload.
// success is false for safety rejections, backend errors, and transport
// failures; the payload then begins with SECURITY ALERT or ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input map[string]any, sess SessionContext, streaming bool) (payload string, success bool) {
	payload, success = d.dispatch(ctx, name, input, sess, streaming)

	label := name
	if !IsKnownTool(name) {
		label = "unknown"
	}
	outcome := "ok"
	if !success {
		outcome = "error"
	}
	toolDispatchesTotal.WithLabelValues(label, outcome).Inc()

	return payload, success
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, input map[string]any, sess SessionContext, streaming bool) (payload string, success bool) {
	if !IsKnownTool(name) {
		return fmt.Sprintf("ERROR: unknown tool: %s", name), false
	}

	if name == ToolRunTerminalCommand {
		var cmd RunTerminalCommandInput
		if err := DecodeInput(input, &cmd); err != nil {
			return fmt.Sprintf("ERROR: %v", err), false
		}
		if blocked, reason := CheckCommand(cmd.Command); blocked {
			return fmt.Sprintf("SECURITY ALERT: command rejected: %s", reason), false
		}
	}

	input = d.injectContext(name, input, sess)

	endpoint, ok := d.cfg.Endpoints[name]
	if !ok || endpoint == "" {
		return fmt.Sprintf("ERROR: no backend endpoint configured for tool: %s", name), false
	}

	resp, err := d.post(ctx, endpoint, input)
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err), false
	}

	if resp.Error != "" {
		return "ERROR: " + resp.Error, false
	}

	limit := d.cfg.MaxResultChars
	if streaming {
		limit = d.cfg.StreamingMaxResultChars
	}
	return Truncate(renderPayload(resp.Data, resp.Message), limit), true
}

// injectContext fills in session-derived fields the model omitted. The
// input map is copied; the caller's map is never mutated.
func (d *Dispatcher) injectContext(name string, input map[string]any, sess SessionContext) map[string]any {
	out := make(map[string]any, len(input)+2)
	for k, v := range input {
		out[k] = v
	}

	if workspaceInjected[name] {
		if wp, _ := out["workspace_path"].(string); wp == "" {
			out["workspace_path"] = sess.WorkspacePath
		}
	}

	if name == ToolListDirectory {
		if dir, _ := out["directory_path"].(string); dir == "." || dir == "" {
			out["directory_path"] = sess.WorkspacePath
		}
	}

	if name == ToolCodebaseSearch {
		if h, _ := out["hashed_workspace_path"].(string); h == "" {
			out["hashed_workspace_path"] = sess.WorkspaceHash
		}
		if b, _ := out["git_branch"].(string); b == "" {
			out["git_branch"] = sess.GitBranch
		}
	}

	return out
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, input map[string]any) (*backendResponse, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool backend returned status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded backendResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid tool backend response: %w", err)
	}
	return &decoded, nil
}

// renderPayload flattens the backend's data field into text: lists join
// with newlines, objects render as indented JSON.
func renderPayload(data any, message string) string {
	switch v := data.(type) {
	case nil:
		return message
	case string:
		return v
	case []any:
		var buf bytes.Buffer
		for i, item := range v {
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(renderScalar(item))
		}
		return buf.String()
	default:
		return renderScalar(v)
	}
}

func renderScalar(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case map[string]any:
		raw, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(raw)
	default:
		return fmt.Sprint(s)
	}
}

// Truncate bounds s to max bytes, appending the original length when
// truncation occurs. The cut never splits a multi-byte rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... (truncated from %d characters)", len(s))
}
