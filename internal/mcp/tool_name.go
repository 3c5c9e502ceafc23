// Package mcp maintains the clients for configured external tool servers and
// aggregates their tool catalogs into one namespaced registry.
package mcp

import (
	"crypto/sha1"
	"encoding/hex"
	"log"
	"strings"
)

// toolNameDelimiter joins server and tool into a fully-qualified name.
const toolNameDelimiter = "__"

// maxToolNameLength is the provider's limit on tool names, which must also
// match [A-Za-z0-9_-]+.
const maxToolNameLength = 64

// QualifiedName joins server and tool. Names longer than the limit are
// truncated and suffixed with the lowercase hex SHA-1 of the untruncated
// name, keeping distinct inputs distinct while fitting the name pattern.
func QualifiedName(server, tool string) string {
	name := sanitizeName(server + toolNameDelimiter + tool)
	if len(name) <= maxToolNameLength {
		return name
	}
	digest := sha1.Sum([]byte(server + toolNameDelimiter + tool))
	suffix := hex.EncodeToString(digest[:])
	return name[:maxToolNameLength-len(suffix)] + suffix
}

// ParseQualifiedName splits a fully-qualified tool name on the first
// delimiter. Truncated+hashed names cannot be split; callers resolve those
// through the registry instead.
func ParseQualifiedName(name string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(name, toolNameDelimiter)
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// sanitizeName replaces characters outside [A-Za-z0-9_-] with underscores.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}

// qualifyAll builds the qualified-name map for a list of (server, tool)
// pairs, dropping duplicates after truncation with a warning.
func qualifyAll(entries []ToolEntry) map[string]ToolEntry {
	out := make(map[string]ToolEntry, len(entries))
	for _, e := range entries {
		name := QualifiedName(e.Server, e.ToolName)
		if _, dup := out[name]; dup {
			log.Printf("mcp: dropping duplicate tool %s (server %s, tool %s)", name, e.Server, e.ToolName)
			continue
		}
		out[name] = e
	}
	return out
}
