// Package permission mediates between agent tool invocations and user
// permission decisions. Rules pre-answer future requests; the broker queues
// whatever the rules cannot decide.
package permission

import (
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision is the outcome a rule or a user attaches to a tool invocation.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Valid reports whether d is a known decision value.
func (d Decision) Valid() bool {
	return d == Allow || d == Deny
}

// Rule is an immutable predicate plus decision installed at one of three
// scopes. A session-scoped rule has SessionID set; a profile-scoped rule
// has ProfileID set; a global rule has neither.
type Rule struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id,omitempty"`
	ProfileID   string    `json:"profile_id,omitempty"`
	ToolName    string    `json:"tool_name"`
	ToolPattern string    `json:"tool_pattern,omitempty"`
	Decision    Decision  `json:"decision"`
	CreatedAt   time.Time `json:"created_at"`
}

// Matches reports whether the rule applies to the given tool invocation.
// ToolName must equal the invocation's name or be the "*" wildcard. An
// empty ToolPattern matches any input; otherwise the pattern is a shell
// glob applied to the tool's designated input field.
func (r Rule) Matches(toolName string, toolInput map[string]any) bool {
	if r.ToolName != toolName && r.ToolName != "*" {
		return false
	}
	if r.ToolPattern == "" {
		return true
	}
	return matchPattern(r.ToolPattern, toolName, toolInput)
}

// matchPattern applies the glob to the field the tool is matched on. The
// tool-name set is open: unknown tools match if any string value in the
// input matches.
func matchPattern(pattern, toolName string, toolInput map[string]any) bool {
	switch toolName {
	case "Bash":
		return globMatch(pattern, stringField(toolInput, "command"))
	case "Read", "Write", "Edit", "Glob":
		path := stringField(toolInput, "file_path")
		if path == "" {
			path = stringField(toolInput, "path")
		}
		return globMatch(pattern, path)
	case "Grep":
		return globMatch(pattern, stringField(toolInput, "path"))
	case "WebFetch":
		return globMatch(pattern, stringField(toolInput, "url"))
	}

	for _, v := range toolInput {
		if s, ok := v.(string); ok && s != "" && globMatchNonEmpty(pattern, s) {
			return true
		}
	}
	return false
}

func stringField(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

// globMatch matches value against an anchored shell-style glob. An empty
// value never matches: a rule scoped by pattern needs something to match
// against.
func globMatch(pattern, value string) bool {
	if value == "" {
		return false
	}
	return globMatchNonEmpty(pattern, value)
}

func globMatchNonEmpty(pattern, value string) bool {
	ok, err := doublestar.Match(pattern, value)
	if err != nil {
		// Malformed pattern; treat as non-matching rather than failing
		// the permission check.
		return false
	}
	return ok
}
