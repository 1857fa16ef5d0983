package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/forgeworks/pilot/pkg/llms"
)

// Tool names understood by the dispatch adapter.
const (
	ToolReadFile           = "read_file"
	ToolListDirectory      = "list_directory"
	ToolRunTerminalCommand = "run_terminal_command"
	ToolSearchFiles        = "search_files"
	ToolGrepSearch         = "grep_search"
	ToolSearchAndReplace   = "search_and_replace"
	ToolCodebaseSearch     = "codebase_search"
	ToolEditFile           = "edit_file"
	ToolReapply            = "reapply"
	ToolWebSearch          = "web_search"
	ToolDeleteFile         = "delete_file"
)

type ReadFileInput struct {
	FilePath    string `json:"file_path" jsonschema:"required,description=Absolute or workspace-relative path of the file to read"`
	StartLine   int    `json:"start_line,omitempty" jsonschema:"description=First line to read (1-based)"`
	EndLine     int    `json:"end_line,omitempty" jsonschema:"description=Last line to read (inclusive)"`
	Explanation string `json:"explanation,omitempty" jsonschema:"description=Why this file is being read"`
}

type ListDirectoryInput struct {
	DirectoryPath string `json:"directory_path" jsonschema:"required,description=Directory to list. Use . for the workspace root"`
	Explanation   string `json:"explanation,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type RunTerminalCommandInput struct {
	Command       string `json:"command" jsonschema:"required,description=Shell command to execute"`
	IsBackground  bool   `json:"is_background,omitempty" jsonschema:"description=Run without waiting for completion"`
	WorkspacePath string `json:"workspace_path,omitempty"`
	Explanation   string `json:"explanation,omitempty"`
}

type SearchFilesInput struct {
	Pattern       string `json:"pattern" jsonschema:"required,description=Fuzzy file name pattern"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type GrepSearchInput struct {
	Query         string `json:"query" jsonschema:"required,description=Regular expression to search for"`
	IncludeGlobs  string `json:"include_pattern,omitempty" jsonschema:"description=Glob of files to include"`
	ExcludeGlobs  string `json:"exclude_pattern,omitempty" jsonschema:"description=Glob of files to exclude"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type SearchAndReplaceInput struct {
	Pattern       string `json:"pattern" jsonschema:"required,description=Regular expression to replace"`
	Replacement   string `json:"replacement" jsonschema:"required"`
	IncludeGlobs  string `json:"include_pattern,omitempty"`
	ExcludeGlobs  string `json:"exclude_pattern,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type CodebaseSearchInput struct {
	Query         string `json:"query" jsonschema:"required,description=Semantic search query"`
	WorkspaceHash string `json:"hashed_workspace_path,omitempty"`
	GitBranch     string `json:"git_branch,omitempty"`
}

type EditFileInput struct {
	TargetFile  string `json:"target_file" jsonschema:"required,description=File to edit"`
	CodeEdit    string `json:"code_edit" jsonschema:"required,description=Edit snippet with unchanged regions elided"`
	Explanation string `json:"explanation,omitempty"`
}

type WebSearchInput struct {
	Query string   `json:"query" jsonschema:"required"`
	URLs  []string `json:"urls,omitempty" jsonschema:"description=Specific URLs to fetch instead of searching"`
}

type DeleteFileInput struct {
	FilePath      string `json:"file_path" jsonschema:"required,description=File to delete"`
	Explanation   string `json:"explanation,omitempty"`
	WorkspacePath string `json:"workspace_path,omitempty"`
}

type toolSpec struct {
	Name        string
	Description string
	Input       any
}

// registry declares the tool surface in dispatch order.
var registry = []toolSpec{
	{ToolReadFile, "Read a file from the workspace, optionally a line range.", ReadFileInput{}},
	{ToolListDirectory, "List the contents of a directory.", ListDirectoryInput{}},
	{ToolRunTerminalCommand, "Execute a shell command in the workspace. Requires user permission.", RunTerminalCommandInput{}},
	{ToolSearchFiles, "Find files by fuzzy name pattern.", SearchFilesInput{}},
	{ToolGrepSearch, "Search file contents with a regular expression. Returns at most 50 matches.", GrepSearchInput{}},
	{ToolSearchAndReplace, "Apply a regex replacement across matching files.", SearchAndReplaceInput{}},
	{ToolCodebaseSearch, "Semantic search over the indexed codebase.", CodebaseSearchInput{}},
	{ToolEditFile, "Edit a file by providing a snippet of the changed code.", EditFileInput{}},
	{ToolReapply, "Retry the previous edit with a stronger merge model.", EditFileInput{}},
	{ToolWebSearch, "Search the web and return ranked snippets.", WebSearchInput{}},
	{ToolDeleteFile, "Delete a file. Protected paths are refused.", DeleteFileInput{}},
}

// workspaceInjected lists the tools that receive the session workspace path
// when the model omitted it.
var workspaceInjected = map[string]bool{
	ToolRunTerminalCommand: true,
	ToolSearchAndReplace:   true,
	ToolSearchFiles:        true,
	ToolListDirectory:      true,
	ToolReadFile:           true,
	ToolDeleteFile:         true,
}

// Definitions returns the tool schemas offered to the model.
func Definitions() []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(registry))
	for _, spec := range registry {
		defs = append(defs, llms.ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: reflectSchema(spec.Input),
		})
	}
	return defs
}

// IsKnownTool reports whether name is in the routing table.
func IsKnownTool(name string) bool {
	for _, spec := range registry {
		if spec.Name == name {
			return true
		}
	}
	return false
}

func reflectSchema(input any) map[string]any {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(input)

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}

	out["type"] = "object"
	return out
}

// DecodeInput maps a raw tool input onto a typed input struct.
func DecodeInput(input map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}
