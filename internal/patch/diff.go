package patch

import (
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContextLines is the context radius in generated unified hunks.
const diffContextLines = 3

// diffAgainstSnapshots re-reads every snapshotted path and renders the
// aggregated unified diff for the batch.
func diffAgainstSnapshots(snapshots []FileSnapshot) string {
	var b strings.Builder
	for _, snap := range snapshots {
		after, err := os.ReadFile(snap.Path)
		current := string(after)
		exists := err == nil

		switch {
		case !snap.Existed && !exists:
			continue
		case !snap.Existed:
			b.WriteString(renderFileDiff(snap.Path, "", current, "added"))
		case !exists:
			b.WriteString(renderFileDiff(snap.Path, snap.Content, "", "deleted"))
		case snap.Content != current:
			b.WriteString(renderFileDiff(snap.Path, snap.Content, current, ""))
		}
	}
	return b.String()
}

// UnifiedDiff renders a single-file unified diff between two contents.
func UnifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	return renderFileDiff(path, before, after, "")
}

// renderFileDiff produces git-style headers plus hunks computed from a
// line-level diff.
func renderFileDiff(path, before, after, note string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	switch note {
	case "added":
		fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", path)
	case "deleted":
		fmt.Fprintf(&b, "--- a/%s\n+++ /dev/null\n", path)
	default:
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	}
	b.WriteString(renderHunks(lineDiff(before, after)))
	return b.String()
}

// diffLine is one line with its edit classification.
type diffLine struct {
	op   diffmatchpatch.Operation
	text string
}

// lineDiff computes a line-level diff using the diff-match-patch
// lines-to-chars trick, which keeps the quadratic core off long files.
func lineDiff(before, after string) []diffLine {
	dmp := diffmatchpatch.New()
	a, bch, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, bch, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var out []diffLine
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			out = append(out, diffLine{op: d.Type, text: line})
		}
	}
	return out
}

// renderHunks groups changed lines into @@ hunks with context.
func renderHunks(lines []diffLine) string {
	var b strings.Builder

	type hunk struct {
		start    int // index into lines
		end      int
		oldStart int
		newStart int
	}

	// Precompute running old/new line numbers at each index.
	oldAt := make([]int, len(lines)+1)
	newAt := make([]int, len(lines)+1)
	oldLine, newLine := 1, 1
	for i, l := range lines {
		oldAt[i], newAt[i] = oldLine, newLine
		switch l.op {
		case diffmatchpatch.DiffEqual:
			oldLine++
			newLine++
		case diffmatchpatch.DiffDelete:
			oldLine++
		case diffmatchpatch.DiffInsert:
			newLine++
		}
	}
	oldAt[len(lines)], newAt[len(lines)] = oldLine, newLine

	var hunks []hunk
	i := 0
	for i < len(lines) {
		if lines[i].op == diffmatchpatch.DiffEqual {
			i++
			continue
		}
		start := i - diffContextLines
		if start < 0 {
			start = 0
		}
		// Extend through subsequent changes separated by small equal runs.
		end := i
		j := i
		for j < len(lines) {
			if lines[j].op != diffmatchpatch.DiffEqual {
				end = j + 1
				j++
				continue
			}
			runStart := j
			for j < len(lines) && lines[j].op == diffmatchpatch.DiffEqual {
				j++
			}
			if j < len(lines) && j-runStart <= diffContextLines*2 {
				continue // merge across the gap
			}
			break
		}
		tail := end + diffContextLines
		if tail > len(lines) {
			tail = len(lines)
		}
		hunks = append(hunks, hunk{start: start, end: tail, oldStart: oldAt[start], newStart: newAt[start]})
		i = tail
	}

	for _, h := range hunks {
		oldCount, newCount := 0, 0
		for _, l := range lines[h.start:h.end] {
			switch l.op {
			case diffmatchpatch.DiffEqual:
				oldCount++
				newCount++
			case diffmatchpatch.DiffDelete:
				oldCount++
			case diffmatchpatch.DiffInsert:
				newCount++
			}
		}
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, oldCount, h.newStart, newCount)
		for _, l := range lines[h.start:h.end] {
			switch l.op {
			case diffmatchpatch.DiffEqual:
				b.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				b.WriteString("-")
			case diffmatchpatch.DiffInsert:
				b.WriteString("+")
			}
			b.WriteString(l.text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
