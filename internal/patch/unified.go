package patch

import (
	"fmt"
	"strings"
)

// ParseUnifiedDiff parses git-style or plain unified diffs into the same
// Action shape as the fenced grammar: unified hunks become context-anchored
// chunks so one matcher serves both formats. Hunk line numbers are treated as
// hints only; matching is content-based.
func ParseUnifiedDiff(input string) (*Action, error) {
	lines := splitLines(input)
	var action Action

	i := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			i++
		case strings.HasPrefix(line, "index ") ||
			strings.HasPrefix(line, "similarity index ") ||
			strings.HasPrefix(line, "rename from ") ||
			strings.HasPrefix(line, "rename to ") ||
			strings.HasPrefix(line, "new file mode ") ||
			strings.HasPrefix(line, "deleted file mode ") ||
			strings.HasPrefix(line, "old mode ") ||
			strings.HasPrefix(line, "new mode "):
			i++
		case strings.HasPrefix(line, "--- "):
			change, consumed, err := parseFileDiff(lines[i:])
			if err != nil {
				return nil, err
			}
			action.Changes = append(action.Changes, change)
			i += consumed
		case strings.TrimSpace(line) == "":
			i++
		default:
			return nil, &ParseError{Message: fmt.Sprintf("unexpected diff line %q", line)}
		}
	}

	if len(action.Changes) == 0 {
		return nil, &ParseError{Message: "diff contains no file changes"}
	}
	return &action, nil
}

// parseFileDiff consumes one ---/+++ header pair plus its hunks.
func parseFileDiff(lines []string) (Change, int, error) {
	oldPath := diffPath(strings.TrimPrefix(lines[0], "--- "))
	if len(lines) < 2 || !strings.HasPrefix(lines[1], "+++ ") {
		return Change{}, 0, &ParseError{Message: "missing +++ header after ---"}
	}
	newPath := diffPath(strings.TrimPrefix(lines[1], "+++ "))
	consumed := 2

	var chunks []Chunk
	var addedLines []string
	isAdd := oldPath == "/dev/null"
	isDelete := newPath == "/dev/null"

	for consumed < len(lines) {
		line := lines[consumed]
		if !strings.HasPrefix(line, "@@") {
			break
		}
		chunk, n, err := parseUnifiedHunk(lines[consumed:])
		if err != nil {
			return Change{}, 0, err
		}
		if isAdd {
			addedLines = append(addedLines, chunk.NewLines...)
		}
		chunks = append(chunks, chunk)
		consumed += n
	}
	if len(chunks) == 0 {
		return Change{}, 0, &ParseError{Message: fmt.Sprintf("no hunks for %s", newPath)}
	}

	switch {
	case isAdd:
		var content strings.Builder
		for _, l := range addedLines {
			content.WriteString(l)
			content.WriteByte('\n')
		}
		return Change{Kind: ChangeAdd, Path: newPath, Content: content.String()}, consumed, nil
	case isDelete:
		return Change{Kind: ChangeDelete, Path: oldPath}, consumed, nil
	default:
		change := Change{Kind: ChangeUpdate, Path: oldPath, Chunks: chunks}
		if newPath != oldPath {
			change.MovePath = newPath
		}
		return change, consumed, nil
	}
}

// parseUnifiedHunk consumes one @@ -l,c +l,c @@ hunk.
func parseUnifiedHunk(lines []string) (Chunk, int, error) {
	header := lines[0]
	var chunk Chunk
	// Anything after the closing @@ is a section heading usable as context.
	if idx := strings.Index(header[2:], "@@"); idx >= 0 {
		chunk.Context = strings.TrimSpace(header[2+idx+2:])
	}

	consumed := 1
	for consumed < len(lines) {
		line := lines[consumed]
		// The next file's ---/+++ header pair ends the hunk.
		if strings.HasPrefix(line, "--- ") && consumed+1 < len(lines) && strings.HasPrefix(lines[consumed+1], "+++ ") {
			return chunk, consumed, nil
		}
		if line == `\ No newline at end of file` {
			consumed++
			continue
		}
		if len(line) == 0 {
			// Blank context line (some producers drop the leading space).
			chunk.OldLines = append(chunk.OldLines, "")
			chunk.NewLines = append(chunk.NewLines, "")
			consumed++
			continue
		}
		switch line[0] {
		case ' ':
			chunk.OldLines = append(chunk.OldLines, line[1:])
			chunk.NewLines = append(chunk.NewLines, line[1:])
		case '+':
			chunk.NewLines = append(chunk.NewLines, line[1:])
		case '-':
			chunk.OldLines = append(chunk.OldLines, line[1:])
		default:
			return chunk, consumed, nil
		}
		consumed++
	}
	return chunk, consumed, nil
}

// diffPath strips the a/ b/ prefixes and any trailing metadata from a diff
// header path.
func diffPath(s string) string {
	s = strings.TrimSpace(s)
	if tab := strings.IndexByte(s, '\t'); tab >= 0 {
		s = s[:tab]
	}
	if s == "/dev/null" {
		return s
	}
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(s, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

// Parse classifies and parses patch input in one step.
func Parse(input string) (*Action, Kind, error) {
	kind := Classify(input)
	switch kind {
	case KindCodexPatch:
		action, err := ParseCodexPatch(input)
		return action, kind, err
	case KindUnifiedDiff:
		action, err := ParseUnifiedDiff(strings.TrimLeft(input, " \t\r\n"))
		return action, kind, err
	case KindHunkOnly:
		return nil, kind, &ParseError{Message: "bare @@ hunks need file headers; emit a full unified diff or a fenced patch"}
	}
	return nil, kind, &ParseError{Message: "unrecognized patch format"}
}
