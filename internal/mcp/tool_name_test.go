package mcp

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifiedNameShort(t *testing.T) {
	assert.Equal(t, "srv__echo", QualifiedName("srv", "echo"))
}

func TestQualifiedNameSanitizes(t *testing.T) {
	name := QualifiedName("my.server", "do:thing")
	assert.Equal(t, "my_server__do_thing", name)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9_-]+$`), name)
}

func TestQualifiedNameTruncatesWithSHA1Suffix(t *testing.T) {
	server := "aaaaaaaaaa"
	tool := "tool_with_a_very_long_name_that_together_overflows_the_sixty_four_char_limit"
	name := QualifiedName(server, tool)

	require.Len(t, name, 64)
	assert.NotEqual(t, server+"__"+tool, name)
	suffix := name[64-40:]
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), suffix)
	assert.True(t, strings.HasPrefix(name, server+"__"))
}

func TestQualifiedNameDistinctInputsStayDistinct(t *testing.T) {
	base := strings.Repeat("x", 70)
	a := QualifiedName("srv", base+"a")
	b := QualifiedName("srv", base+"b")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
}

func TestParseQualifiedName(t *testing.T) {
	server, tool, ok := ParseQualifiedName("srv__echo")
	require.True(t, ok)
	assert.Equal(t, "srv", server)
	assert.Equal(t, "echo", tool)

	// Tools may themselves contain the delimiter; the first split wins.
	server, tool, ok = ParseQualifiedName("srv__do__thing")
	require.True(t, ok)
	assert.Equal(t, "srv", server)
	assert.Equal(t, "do__thing", tool)

	_, _, ok = ParseQualifiedName("noseparator")
	assert.False(t, ok)
}

func TestQualifyAllDropsDuplicates(t *testing.T) {
	entries := []ToolEntry{
		{Server: "srv", ToolName: "echo"},
		{Server: "srv", ToolName: "echo"},
		{Server: "other", ToolName: "echo"},
	}
	out := qualifyAll(entries)
	assert.Len(t, out, 2)
	assert.Contains(t, out, "srv__echo")
	assert.Contains(t, out, "other__echo")
}
