package agent

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/forgeworks/pilot/pkg/memory"
	"github.com/forgeworks/pilot/pkg/tools"
)

// SystemInfo describes the caller's environment, rendered into the system
// prompt.
type SystemInfo struct {
	Platform  string `json:"platform"`
	OSVersion string `json:"os_version"`
	Shell     string `json:"shell"`
}

// ActiveFileContext describes the file the user has open in their editor.
type ActiveFileContext struct {
	RelativePath string `json:"relative_path"`
	Language     string `json:"language"`
	LineCount    int    `json:"line_count"`
	IsDirty      bool   `json:"is_dirty"`
}

// ContextMention is an explicit file or snippet the user attached to the
// query.
type ContextMention struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// Session is the per-workspace conversation state. A session allows exactly
// one in-flight stream at a time.
type Session struct {
	Context tools.SessionContext
	Memory  *memory.Conversation

	mu              sync.Mutex
	streaming       bool
	quotaExtensions int
}

func NewSession(ctx tools.SessionContext, mem *memory.Conversation) *Session {
	return &Session{
		Context: ctx,
		Memory:  mem,
	}
}

// TryAcquireStream marks the session as streaming. It fails when another
// stream is already in flight.
func (s *Session) TryAcquireStream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return false
	}
	s.streaming = true
	return true
}

func (s *Session) ReleaseStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
}

func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// QuotaExtensions counts how many times the user has confirmed continuing
// past the soft tool-call quota.
func (s *Session) QuotaExtensions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotaExtensions
}

func (s *Session) ExtendQuota() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaExtensions++
}

const basePrompt = `You are a coding assistant operating inside the user's workspace. You answer questions and carry out coding tasks by calling the available tools: reading and editing files, running commands, and searching the codebase and the web.

Guidelines:
- Prefer searching and reading the relevant files before proposing changes.
- Make edits with edit_file; use reapply only when an edit was applied incorrectly.
- Ask for exactly the terminal commands you need; destructive commands are refused.
- When the task is complete, state the result plainly.`

// BuildSystemPrompt assembles the context-enriched system prompt from the
// workspace, system info, active file, and explicit mentions.
func BuildSystemPrompt(workspacePath string, sysInfo *SystemInfo, activeFile *ActiveFileContext, mentions []ContextMention) string {
	var sb strings.Builder
	sb.WriteString(basePrompt)

	sb.WriteString("\n\n<environment>\n")
	fmt.Fprintf(&sb, "Workspace: %s (%s)\n", workspacePath, filepath.Base(workspacePath))
	if sysInfo != nil {
		fmt.Fprintf(&sb, "Platform: %s\n", sysInfo.Platform)
		fmt.Fprintf(&sb, "OS version: %s\n", sysInfo.OSVersion)
		fmt.Fprintf(&sb, "Shell: %s\n", sysInfo.Shell)
	}
	sb.WriteString("</environment>")

	if activeFile != nil && activeFile.RelativePath != "" {
		sb.WriteString("\n\n<active_file>\n")
		fmt.Fprintf(&sb, "Path: %s\n", activeFile.RelativePath)
		if activeFile.Language != "" {
			fmt.Fprintf(&sb, "Language: %s\n", activeFile.Language)
		}
		if activeFile.LineCount > 0 {
			fmt.Fprintf(&sb, "Lines: %d\n", activeFile.LineCount)
		}
		if activeFile.IsDirty {
			sb.WriteString("Unsaved changes: yes\n")
		}
		sb.WriteString("</active_file>")
	}

	if len(mentions) > 0 {
		sb.WriteString("\n\n<context_mentions>")
		for _, m := range mentions {
			sb.WriteString("\n")
			switch {
			case m.Content != "":
				fmt.Fprintf(&sb, "[%s] %s:\n%s", m.Type, m.Path, m.Content)
			case m.Path != "":
				fmt.Fprintf(&sb, "[%s] %s", m.Type, m.Path)
			}
		}
		sb.WriteString("\n</context_mentions>")
	}

	return sb.String()
}
