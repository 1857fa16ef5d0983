package tools

import (
	"regexp"
	"strings"
)

// commandBlocklist holds exact commands that are always rejected, compared
// after whitespace normalization.
var commandBlocklist = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf ~",
	"rm -rf .",
	":(){ :|:& };:",
	":(){:|:&};:",
	"crontab -r",
	"mv / /dev/null",
}

// dangerousPatterns match command shapes that destroy data or take over the
// host regardless of exact spelling.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-z]*[rf][a-z]*\s+)+(/|/\*|~|\$home)\s*$`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/(sd|hd|nvme|xvd)`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bchmod\s+(-r\s+)?777\s+/\s*$`),
	regexp.MustCompile(`\bchmod\s+-r\s+777\s+/`),
	regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(ba|z|da|k)?sh\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\}\s*;?\s*:`),
	regexp.MustCompile(`\b(shutdown|halt|poweroff|reboot)\b`),
	regexp.MustCompile(`\bpasswd\s+root\b`),
	regexp.MustCompile(`\bcrontab\s+-r\b`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|xvd)`),
	regexp.MustCompile(`\bkill\s+-9\s+1\b`),
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeCommand(command string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(strings.ToLower(command)), " ")
}

// CheckCommand inspects a shell command before dispatch. Chained commands
// are split on ;, &&, || and | and every segment is checked on its own,
// including after stripping a leading sudo.
func CheckCommand(command string) (blocked bool, reason string) {
	// Check the unsplit command first so patterns that span chain
	// separators (fork bombs) are still caught.
	if blocked, reason := checkSegment(command); blocked {
		return true, reason
	}

	for _, segment := range splitCommandChain(command) {
		if blocked, reason := checkSegment(segment); blocked {
			return true, reason
		}
	}
	return false, ""
}

func splitCommandChain(command string) []string {
	parts := []string{command}
	for _, sep := range []string{";", "&&", "||", "|"} {
		var next []string
		for _, part := range parts {
			next = append(next, strings.Split(part, sep)...)
		}
		parts = next
	}

	segments := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	return segments
}

func checkSegment(segment string) (bool, string) {
	normalized := normalizeCommand(segment)
	if normalized == "" {
		return false, ""
	}

	for _, entry := range commandBlocklist {
		if normalized == normalizeCommand(entry) {
			return true, "command matches blocklist entry: " + entry
		}
	}

	for _, pattern := range dangerousPatterns {
		if pattern.MatchString(normalized) {
			return true, "command matches dangerous pattern: " + pattern.String()
		}
	}

	if rest, ok := strings.CutPrefix(normalized, "sudo "); ok {
		return checkSegment(rest)
	}

	return false, ""
}
