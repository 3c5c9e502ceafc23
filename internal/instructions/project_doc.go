package instructions

import (
	"os"
	"path/filepath"
	"strings"
)

// agentsFileNames lists instruction file names in priority order; the first
// found at each directory level wins.
var agentsFileNames = []string{"AGENTS.override.md", "AGENTS.md"}

// maxProjectDocBytes caps the concatenated project docs.
const maxProjectDocBytes = 32 * 1024

// FindGitRoot walks up from dir to the directory containing .git (directory
// for normal repos, file for worktrees). Empty when none is found.
func FindGitRoot(dir string) string {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadProjectDocs concatenates instruction files found from the repository
// root down to cwd, outermost first, capped at maxProjectDocBytes.
func LoadProjectDocs(cwd string) string {
	root := FindGitRoot(cwd)
	if root == "" {
		root = cwd
	}
	dirs := segmentsBetween(root, cwd)

	var parts []string
	total := 0
	for _, dir := range dirs {
		for _, name := range agentsFileNames {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			text := strings.TrimSpace(string(data))
			if text == "" {
				break
			}
			if total+len(text) > maxProjectDocBytes {
				remaining := maxProjectDocBytes - total
				if remaining <= 0 {
					return strings.Join(parts, "\n\n")
				}
				text = text[:remaining]
			}
			parts = append(parts, text)
			total += len(text)
			break
		}
	}
	return strings.Join(parts, "\n\n")
}

// segmentsBetween lists root, each intermediate directory, and target, in
// outermost-first order. Falls back to just target when target is not under
// root.
func segmentsBetween(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return []string{target}
	}
	dirs := []string{root}
	if rel == "." {
		return dirs
	}
	current := root
	for _, seg := range strings.Split(rel, string(os.PathSeparator)) {
		current = filepath.Join(current, seg)
		dirs = append(dirs, current)
	}
	return dirs
}

// UserInstructions loads and wraps the project docs for cwd, empty when none
// exist.
func UserInstructions(cwd string) string {
	docs := LoadProjectDocs(cwd)
	if docs == "" {
		return ""
	}
	return WrapUserInstructions(docs)
}
