package patch

import (
	"os"
	"sort"
	"strings"
)

// Environment knobs for match tolerance, read once per apply.
const (
	// EnvWhitespace: ignore-space-change | whitespace-nowarn | strict.
	EnvWhitespace = "CODEX_APPLY_WHITESPACE"
	// EnvCRLF: no-autocrlf-nosafe | default.
	EnvCRLF = "CODEX_APPLY_CRLF"
	// EnvPreflight: "1" forces dry-run application.
	EnvPreflight = "CODEX_APPLY_PREFLIGHT"
)

// matchConfig captures the tolerance settings for one apply batch.
type matchConfig struct {
	// strict disables the whitespace-relaxation passes.
	strict bool
	// normalizeCRLF folds \r\n to \n on both sides before matching.
	normalizeCRLF bool
}

func matchConfigFromEnv() matchConfig {
	cfg := matchConfig{normalizeCRLF: true}
	switch os.Getenv(EnvWhitespace) {
	case "strict":
		cfg.strict = true
	}
	if os.Getenv(EnvCRLF) == "no-autocrlf-nosafe" {
		cfg.normalizeCRLF = false
	}
	return cfg
}

// findSequence locates pattern within lines at or after start, trying passes
// of decreasing strictness: exact, right-trimmed, fully trimmed, then
// punctuation-normalized. With eof set the search starts from the position
// that would put the pattern at the end of the file.
func findSequence(lines, pattern []string, start int, eof bool, cfg matchConfig) int {
	if len(pattern) == 0 {
		return start
	}
	if len(pattern) > len(lines) {
		return -1
	}

	searchStart := start
	if eof {
		searchStart = len(lines) - len(pattern)
	}
	last := len(lines) - len(pattern)

	passes := []func(a, b string) bool{
		func(a, b string) bool { return a == b },
	}
	if cfg.normalizeCRLF {
		passes[0] = func(a, b string) bool {
			return strings.TrimSuffix(a, "\r") == strings.TrimSuffix(b, "\r")
		}
	}
	if !cfg.strict {
		passes = append(passes,
			func(a, b string) bool {
				return strings.TrimRight(a, " \t\r") == strings.TrimRight(b, " \t\r")
			},
			func(a, b string) bool {
				return strings.TrimSpace(a) == strings.TrimSpace(b)
			},
			func(a, b string) bool {
				return normalizePunct(a) == normalizePunct(b)
			},
		)
	}

	for _, eq := range passes {
		for i := searchStart; i <= last; i++ {
			if matchAt(lines, pattern, i, eq) {
				return i
			}
		}
	}
	return -1
}

func matchAt(lines, pattern []string, start int, eq func(a, b string) bool) bool {
	for j, p := range pattern {
		if !eq(lines[start+j], p) {
			return false
		}
	}
	return true
}

// normalizePunct maps common Unicode punctuation to ASCII and trims
// whitespace, so smart quotes or non-breaking spaces introduced by the model
// still match the file.
func normalizePunct(s string) string {
	trimmed := strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch r {
		case '‐', '‑', '‒', '–', '—', '―', '−':
			b.WriteByte('-')
		case '‘', '’', '‚', '‛':
			b.WriteByte('\'')
		case '“', '”', '„', '‟':
			b.WriteByte('"')
		case ' ', ' ', ' ', ' ', ' ', ' ',
			' ', ' ', ' ', ' ', ' ', ' ', '　':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// replacement is one resolved edit region.
type replacement struct {
	index    int
	count    int
	newLines []string
}

// errNoMatch reports a chunk that could not be located.
type errNoMatch struct {
	context string
	pattern []string
}

// computeReplacements resolves every chunk of an update against the file's
// lines. A chunk whose pattern cannot be found (even after relaxation)
// returns errNoMatch so the caller can record a conflict.
func computeReplacements(lines []string, chunks []Chunk, cfg matchConfig) ([]replacement, *errNoMatch) {
	var reps []replacement
	cursor := 0

	for _, chunk := range chunks {
		if chunk.Context != "" {
			idx := findSequence(lines, []string{chunk.Context}, cursor, false, cfg)
			if idx < 0 {
				return nil, &errNoMatch{context: chunk.Context}
			}
			cursor = idx + 1
		}

		if len(chunk.OldLines) == 0 {
			// Pure addition: append at the end of the file.
			reps = append(reps, replacement{index: len(lines), newLines: chunk.NewLines})
			continue
		}

		pattern := chunk.OldLines
		newLines := chunk.NewLines
		found := findSequence(lines, pattern, cursor, chunk.IsEOF, cfg)

		// Retry without a trailing blank line; producers often disagree about
		// final newlines.
		if found < 0 && pattern[len(pattern)-1] == "" {
			pattern = pattern[:len(pattern)-1]
			if len(newLines) > 0 && newLines[len(newLines)-1] == "" {
				newLines = newLines[:len(newLines)-1]
			}
			found = findSequence(lines, pattern, cursor, chunk.IsEOF, cfg)
		}
		if found < 0 {
			return nil, &errNoMatch{pattern: chunk.OldLines}
		}

		reps = append(reps, replacement{index: found, count: len(pattern), newLines: append([]string(nil), newLines...)})
		cursor = found + len(pattern)
	}

	sort.SliceStable(reps, func(i, j int) bool { return reps[i].index < reps[j].index })
	return reps, nil
}

// applyReplacements rewrites lines, working backwards so indices stay valid.
func applyReplacements(lines []string, reps []replacement) []string {
	out := append([]string(nil), lines...)
	for i := len(reps) - 1; i >= 0; i-- {
		r := reps[i]
		tail := append([]string(nil), out[min(r.index+r.count, len(out)):]...)
		out = append(out[:r.index], append(r.newLines, tail...)...)
	}
	return out
}
