package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/pilot/pkg/config"
)

func newTestDispatcher(t *testing.T, handler http.HandlerFunc) (*Dispatcher, *httptest.Server) {
	t.Helper()

	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	cfg := &config.ToolBackendConfig{}
	cfg.SetDefaults()
	for _, spec := range registry {
		cfg.Endpoints[spec.Name] = backend.URL + "/" + spec.Name
	}

	return NewDispatcher(cfg), backend
}

func captureInput(t *testing.T, captured *map[string]any, response backendResponse) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var input map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&input))
		*captured = input
		_ = json.NewEncoder(w).Encode(response)
	}
}

func TestDispatchReturnsPayload(t *testing.T) {
	var captured map[string]any
	d, _ := newTestDispatcher(t, captureInput(t, &captured, backendResponse{Data: "file contents"}))

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "/w/a.py"}, SessionContext{WorkspacePath: "/w"}, true)

	assert.True(t, ok)
	assert.Equal(t, "file contents", payload)
	assert.Equal(t, "/w/a.py", captured["file_path"])
}

func TestDispatchInjectsWorkspacePath(t *testing.T) {
	var captured map[string]any
	d, _ := newTestDispatcher(t, captureInput(t, &captured, backendResponse{Data: "ok"}))

	_, ok := d.Dispatch(context.Background(), ToolSearchFiles,
		map[string]any{"pattern": "main"}, SessionContext{WorkspacePath: "/workspace"}, true)

	assert.True(t, ok)
	assert.Equal(t, "/workspace", captured["workspace_path"])
}

func TestDispatchKeepsExplicitWorkspacePath(t *testing.T) {
	var captured map[string]any
	d, _ := newTestDispatcher(t, captureInput(t, &captured, backendResponse{Data: "ok"}))

	_, _ = d.Dispatch(context.Background(), ToolSearchFiles,
		map[string]any{"pattern": "main", "workspace_path": "/other"},
		SessionContext{WorkspacePath: "/workspace"}, true)

	assert.Equal(t, "/other", captured["workspace_path"])
}

func TestDispatchRewritesDotDirectory(t *testing.T) {
	var captured map[string]any
	d, _ := newTestDispatcher(t, captureInput(t, &captured, backendResponse{Data: "ok"}))

	_, _ = d.Dispatch(context.Background(), ToolListDirectory,
		map[string]any{"directory_path": "."}, SessionContext{WorkspacePath: "/workspace"}, true)

	assert.Equal(t, "/workspace", captured["directory_path"])
}

func TestDispatchInjectsCodebaseSearchContext(t *testing.T) {
	var captured map[string]any
	d, _ := newTestDispatcher(t, captureInput(t, &captured, backendResponse{Data: "ok"}))

	_, _ = d.Dispatch(context.Background(), ToolCodebaseSearch,
		map[string]any{"query": "http router"},
		SessionContext{WorkspaceHash: "abc123", GitBranch: "main"}, true)

	assert.Equal(t, "abc123", captured["hashed_workspace_path"])
	assert.Equal(t, "main", captured["git_branch"])
}

func TestDispatchJoinsListData(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{Data: []any{"a.go", "b.go", "c.go"}})
	})

	payload, ok := d.Dispatch(context.Background(), ToolSearchFiles,
		map[string]any{"pattern": "*.go"}, SessionContext{}, true)

	assert.True(t, ok)
	assert.Equal(t, "a.go\nb.go\nc.go", payload)
}

func TestDispatchRendersObjectData(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{
			Data: map[string]any{"stdout": "hi", "exit_code": 0},
		})
	})

	payload, ok := d.Dispatch(context.Background(), ToolGrepSearch,
		map[string]any{"query": "x"}, SessionContext{}, true)

	assert.True(t, ok)
	assert.Contains(t, payload, `"stdout": "hi"`)
}

func TestDispatchTruncatesLongPayload(t *testing.T) {
	long := strings.Repeat("x", 9000)
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{Data: long})
	})

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "big.txt"}, SessionContext{}, true)

	assert.True(t, ok)
	assert.Contains(t, payload, "truncated from 9000 characters")
	assert.Less(t, len(payload), 9000)
}

func TestDispatchBatchLimitIsLarger(t *testing.T) {
	long := strings.Repeat("x", 9000)
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{Data: long})
	})

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "big.txt"}, SessionContext{}, false)

	assert.True(t, ok)
	assert.NotContains(t, payload, "truncated")
}

func TestDispatchBackendError(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{Error: "file not found"})
	})

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "missing.txt"}, SessionContext{}, true)

	assert.False(t, ok)
	assert.Equal(t, "ERROR: file not found", payload)
}

func TestDispatchBackendStatusError(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "a.txt"}, SessionContext{}, true)

	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(payload, "ERROR:"))
}

func TestDispatchUnreachableBackend(t *testing.T) {
	cfg := &config.ToolBackendConfig{
		Endpoints: map[string]string{ToolReadFile: "http://127.0.0.1:1/read_file"},
	}
	cfg.SetDefaults()
	d := NewDispatcher(cfg)

	payload, ok := d.Dispatch(context.Background(), ToolReadFile,
		map[string]any{"file_path": "a.txt"}, SessionContext{}, true)

	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(payload, "ERROR:"))
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {})

	payload, ok := d.Dispatch(context.Background(), "not_a_tool", nil, SessionContext{}, true)

	assert.False(t, ok)
	assert.Equal(t, "ERROR: unknown tool: not_a_tool", payload)
}

func TestDispatchMissingEndpoint(t *testing.T) {
	cfg := &config.ToolBackendConfig{}
	cfg.SetDefaults()
	d := NewDispatcher(cfg)

	payload, ok := d.Dispatch(context.Background(), ToolWebSearch,
		map[string]any{"query": "go"}, SessionContext{}, true)

	assert.False(t, ok)
	assert.Contains(t, payload, "no backend endpoint configured")
}

func TestDispatchBlocksDangerousCommandWithoutForwarding(t *testing.T) {
	forwarded := false
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		forwarded = true
	})

	payload, ok := d.Dispatch(context.Background(), ToolRunTerminalCommand,
		map[string]any{"command": "rm -rf /"}, SessionContext{WorkspacePath: "/w"}, true)

	assert.False(t, ok)
	assert.True(t, strings.HasPrefix(payload, "SECURITY ALERT"))
	assert.False(t, forwarded)
}

func TestDispatchDoesNotMutateCallerInput(t *testing.T) {
	d, _ := newTestDispatcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(backendResponse{Data: "ok"})
	})

	input := map[string]any{"pattern": "main"}
	_, _ = d.Dispatch(context.Background(), ToolSearchFiles, input, SessionContext{WorkspacePath: "/w"}, true)

	_, present := input["workspace_path"]
	assert.False(t, present)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))

	out := Truncate(strings.Repeat("a", 150), 100)
	assert.Contains(t, out, "truncated from 150 characters")
	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 100)))
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// 2-byte runes; an odd cut would land mid-rune.
	s := strings.Repeat("é", 10)

	out := Truncate(s, 3)

	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "é"))
	assert.Contains(t, out, "truncated from 20 characters")

	// 4-byte runes cut at every offset inside the rune.
	for max := 1; max < 4; max++ {
		assert.True(t, utf8.ValidString(Truncate("𝕏suffix", max)), "max=%d", max)
	}
}
