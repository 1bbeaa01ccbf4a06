package permission

import (
	"testing"
)

func TestRuleToolNameMatching(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		toolName string
		input    map[string]any
		want     bool
	}{
		{
			name:     "exact tool name",
			rule:     Rule{ToolName: "Bash", Decision: Allow},
			toolName: "Bash",
			input:    map[string]any{"command": "ls"},
			want:     true,
		},
		{
			name:     "different tool name",
			rule:     Rule{ToolName: "Bash", Decision: Allow},
			toolName: "Read",
			input:    map[string]any{"file_path": "/etc/hosts"},
			want:     false,
		},
		{
			name:     "wildcard tool name",
			rule:     Rule{ToolName: "*", Decision: Deny},
			toolName: "anything",
			input:    map[string]any{},
			want:     true,
		},
		{
			name:     "empty pattern matches any input",
			rule:     Rule{ToolName: "Bash", ToolPattern: "", Decision: Allow},
			toolName: "Bash",
			input:    map[string]any{"command": "rm -rf /"},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.toolName, tt.input); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRulePatternFieldTable(t *testing.T) {
	tests := []struct {
		name     string
		toolName string
		pattern  string
		input    map[string]any
		want     bool
	}{
		{"bash command glob", "Bash", "npm *", map[string]any{"command": "npm install"}, true},
		{"bash command no match", "Bash", "npm *", map[string]any{"command": "rm -rf /"}, false},
		{"bash empty command", "Bash", "*", map[string]any{"command": ""}, false},
		{"bash missing command", "Bash", "*", map[string]any{}, false},
		{"read file_path", "Read", "/home/*.txt", map[string]any{"file_path": "/home/notes.txt"}, true},
		{"write path fallback", "Write", "/tmp/*", map[string]any{"path": "/tmp/out"}, true},
		{"edit wrong path", "Edit", "/srv/*", map[string]any{"file_path": "/etc/passwd"}, false},
		{"glob tool file_path", "Glob", "cmd/*.go", map[string]any{"file_path": "cmd/main.go"}, true},
		{"grep path", "Grep", "internal/*", map[string]any{"path": "internal/api"}, true},
		{"webfetch url", "WebFetch", "https://example.com/*", map[string]any{"url": "https://example.com/docs"}, true},
		{"webfetch other host", "WebFetch", "https://example.com/*", map[string]any{"url": "https://evil.test/"}, false},
		{"unknown tool any string value", "CustomTool", "secret-*", map[string]any{"arg": "secret-token", "n": 3}, true},
		{"unknown tool no string match", "CustomTool", "secret-*", map[string]any{"arg": "public", "n": 3}, false},
		{"question mark glob", "Bash", "ls ?", map[string]any{"command": "ls a"}, true},
		{"char class glob", "Bash", "git [ps]*", map[string]any{"command": "git push"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Rule{ToolName: tt.toolName, ToolPattern: tt.pattern, Decision: Allow}
			if got := rule.Matches(tt.toolName, tt.input); got != tt.want {
				t.Fatalf("Matches(%s, %q, %v) = %v, want %v", tt.toolName, tt.pattern, tt.input, got, tt.want)
			}
		})
	}
}

func TestStarMatchesAnyStringIncludingEmpty(t *testing.T) {
	if !globMatchNonEmpty("*", "") {
		t.Fatal("bare * should match the empty string")
	}
	if !globMatchNonEmpty("*", "anything at all") {
		t.Fatal("bare * should match any string")
	}
}

func TestMalformedPatternNeverMatches(t *testing.T) {
	rule := Rule{ToolName: "Bash", ToolPattern: "[unclosed", Decision: Allow}
	if rule.Matches("Bash", map[string]any{"command": "[unclosed"}) {
		t.Fatal("malformed pattern must not match")
	}
}

func FuzzRuleMatch(f *testing.F) {
	f.Add("npm *", "npm install")
	f.Add("*", "")
	f.Add("[abc]?", "ad")
	f.Add("[unclosed", "x")
	f.Add("a\\", "a")
	f.Fuzz(func(t *testing.T, pattern, command string) {
		rule := Rule{ToolName: "Bash", ToolPattern: pattern, Decision: Deny}
		// Matching must never panic, whatever the pattern.
		rule.Matches("Bash", map[string]any{"command": command})
	})
}
