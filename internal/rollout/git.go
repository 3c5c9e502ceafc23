package rollout

import (
	"os/exec"
	"strings"
)

// CollectGitInfo gathers repository metadata for session_meta. Returns nil
// when cwd is not inside a git repository.
func CollectGitInfo(cwd string) *GitInfo {
	commit := gitOutput(cwd, "rev-parse", "HEAD")
	if commit == "" {
		return nil
	}
	return &GitInfo{
		CommitHash:    commit,
		Branch:        gitOutput(cwd, "rev-parse", "--abbrev-ref", "HEAD"),
		RepositoryURL: gitOutput(cwd, "remote", "get-url", "origin"),
	}
}

func gitOutput(cwd string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
