package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"bash", "bash", true},
		{"bash", "bash2", false},
		{"*", "anything", true},
		{"*", "", true},
		{"read*", "read", true},
		{"read*", "readFile", true},
		{"*read", "todoread", true},
		{"todo*", "todowrite", true},
		{"t*e", "todowrite", true},
		{"t*e", "task", false},
		{"a*b*c", "aXbYc", true},
		{"a*b*c", "ac", false},

		// Regex metacharacters must be literal.
		{"file.read", "file.read", true},
		{"file.read", "fileXread", false},
		{"mcp(list)", "mcp(list)", true},
		{"mcp(list)", "mcplist", false},
		{"a+b", "a+b", true},
		{"a+b", "aab", false},
		{"x?", "x?", true},
		{"x?", "x", false},
		{"[ab]", "[ab]", true},
		{"[ab]", "a", false},
		{"^end$", "^end$", true},
		{"^end$", "end", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.name),
			"MatchGlob(%q, %q)", tt.pattern, tt.name)
	}
}
