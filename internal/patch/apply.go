package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Status summarizes an apply batch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// Options configures an apply batch.
type Options struct {
	// Cwd anchors relative paths and the writable-root computation.
	Cwd string
	// Policy is enforced on every write; paths outside the writable roots
	// are skipped, never written.
	Policy protocol.SandboxPolicy
	// Preflight runs classification and validation only.
	Preflight bool
}

// FileSnapshot is a file's content before the batch, used for turn diffs.
type FileSnapshot struct {
	Path    string
	Content string
	Existed bool
}

// Result reports what the batch did.
type Result struct {
	Status        Status
	ChangedPaths  []string
	SkippedPaths  []string
	ConflictPaths []string
	Diagnostics   []string
	// Snapshots holds pre-batch content for every touched path.
	Snapshots []FileSnapshot
	// UnifiedDiff is the aggregated diff of the applied changes.
	UnifiedDiff string
}

// StdoutTail renders the per-file summary fed to the model.
func (r *Result) StdoutTail() string {
	var b strings.Builder
	switch r.Status {
	case StatusSuccess:
		b.WriteString("Success. Updated the following files:\n")
	case StatusPartial:
		b.WriteString("Partial success. Updated the following files:\n")
	default:
		b.WriteString("Failed to apply patch.\n")
	}
	for _, p := range r.ChangedPaths {
		fmt.Fprintf(&b, "M %s\n", p)
	}
	return b.String()
}

// StderrTail renders skipped/conflict diagnostics.
func (r *Result) StderrTail() string {
	var b strings.Builder
	for _, d := range r.Diagnostics {
		b.WriteString(d)
		b.WriteByte('\n')
	}
	return b.String()
}

// Apply runs the full pipeline on raw patch input: classify, parse, verify,
// apply. Tool callers use this; the engine inspects the Result rather than
// the error (parse failures are the only error return).
func Apply(input string, opts Options) (*Result, error) {
	action, _, err := Parse(input)
	if err != nil {
		return nil, err
	}
	if os.Getenv(EnvPreflight) == "1" {
		opts.Preflight = true
	}
	return ApplyAction(action, opts), nil
}

// ApplyAction verifies and applies a parsed action. Each file is written
// atomically (temp file + rename); files that fail verification are recorded
// as skipped or conflicting without stopping the rest of the batch.
func ApplyAction(action *Action, opts Options) *Result {
	cfg := matchConfigFromEnv()
	res := &Result{}

	type pendingWrite struct {
		path    string
		content *string // nil means delete
		display string
	}
	var writes []pendingWrite

	for _, change := range action.Changes {
		absPath, err := resolveInsideWorktree(opts.Cwd, change.Path)
		if err != nil {
			res.skip(change.Path, err.Error())
			continue
		}

		var absMove string
		if change.MovePath != "" {
			absMove, err = resolveInsideWorktree(opts.Cwd, change.MovePath)
			if err != nil {
				res.skip(change.Path, err.Error())
				continue
			}
		}

		if !opts.Policy.CanWritePath(opts.Cwd, absPath) {
			res.skip(change.Path, fmt.Sprintf("%s: outside the writable roots", change.Path))
			continue
		}
		if absMove != "" && !opts.Policy.CanWritePath(opts.Cwd, absMove) {
			res.skip(change.Path, fmt.Sprintf("%s: rename target outside the writable roots", change.MovePath))
			continue
		}

		switch change.Kind {
		case ChangeAdd:
			if _, err := os.Stat(absPath); err == nil {
				res.skip(change.Path, fmt.Sprintf("%s: already exists", change.Path))
				continue
			}
			res.snapshot(absPath, "", false)
			content := change.Content
			writes = append(writes, pendingWrite{path: absPath, content: &content, display: change.Path})

		case ChangeDelete:
			info, err := os.Stat(absPath)
			if err != nil {
				res.skip(change.Path, fmt.Sprintf("%s: cannot delete: %v", change.Path, err))
				continue
			}
			if info.IsDir() {
				res.skip(change.Path, fmt.Sprintf("%s: is a directory", change.Path))
				continue
			}
			prior, err := os.ReadFile(absPath)
			if err != nil {
				res.skip(change.Path, fmt.Sprintf("%s: cannot read: %v", change.Path, err))
				continue
			}
			res.snapshot(absPath, string(prior), true)
			writes = append(writes, pendingWrite{path: absPath, content: nil, display: change.Path})

		case ChangeUpdate:
			data, err := os.ReadFile(absPath)
			if err != nil {
				res.skip(change.Path, fmt.Sprintf("%s: cannot update: %v", change.Path, err))
				continue
			}
			original := string(data)
			lines := splitLines(original)
			reps, noMatch := computeReplacements(lines, change.Chunks, cfg)
			if noMatch != nil {
				res.conflict(change.Path, noMatch)
				continue
			}
			newLines := applyReplacements(lines, reps)
			content := joinLines(newLines)

			res.snapshot(absPath, original, true)
			dest := absPath
			display := change.Path
			if absMove != "" {
				dest = absMove
				display = change.MovePath
				// The rename deletes the source.
				writes = append(writes, pendingWrite{path: absPath, content: nil, display: change.Path})
			}
			writes = append(writes, pendingWrite{path: dest, content: &content, display: display})
		}
	}

	if !opts.Preflight {
		for _, w := range writes {
			if w.content == nil {
				if err := os.Remove(w.path); err != nil {
					res.skip(w.display, fmt.Sprintf("%s: delete failed: %v", w.display, err))
					continue
				}
			} else {
				if err := writeAtomic(w.path, *w.content); err != nil {
					res.skip(w.display, fmt.Sprintf("%s: write failed: %v", w.display, err))
					continue
				}
			}
			res.ChangedPaths = append(res.ChangedPaths, w.display)
		}
	} else {
		for _, w := range writes {
			res.ChangedPaths = append(res.ChangedPaths, w.display)
		}
	}

	switch {
	case len(res.SkippedPaths) == 0 && len(res.ConflictPaths) == 0:
		res.Status = StatusSuccess
	case len(res.ChangedPaths) > 0:
		res.Status = StatusPartial
	default:
		res.Status = StatusError
	}

	if !opts.Preflight {
		res.UnifiedDiff = diffAgainstSnapshots(res.Snapshots)
	}
	return res
}

func (r *Result) skip(path, diagnostic string) {
	r.SkippedPaths = append(r.SkippedPaths, path)
	r.Diagnostics = append(r.Diagnostics, diagnostic)
}

func (r *Result) conflict(path string, nm *errNoMatch) {
	r.ConflictPaths = append(r.ConflictPaths, path)
	if nm.context != "" {
		r.Diagnostics = append(r.Diagnostics, fmt.Sprintf("%s: context %q not found", path, nm.context))
		return
	}
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf("%s: expected lines not found:\n%s", path, strings.Join(nm.pattern, "\n")))
}

func (r *Result) snapshot(path, content string, existed bool) {
	for _, s := range r.Snapshots {
		if s.Path == path {
			return
		}
	}
	r.Snapshots = append(r.Snapshots, FileSnapshot{Path: path, Content: content, Existed: existed})
}

// resolveInsideWorktree resolves path against cwd and rejects escapes.
func resolveInsideWorktree(cwd, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, path)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(cwd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: outside the working tree", path)
	}
	return abs, nil
}

// writeAtomic writes content via a temp file in the destination directory
// followed by a rename.
func writeAtomic(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".patch-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// splitLines splits file content into lines, dropping the phantom element a
// trailing newline would produce.
func splitLines(content string) []string {
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// joinLines joins lines back into content ending with a newline.
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
