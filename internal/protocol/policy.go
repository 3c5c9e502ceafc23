package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AskForApproval is the approval policy for tool execution.
type AskForApproval string

const (
	// ApprovalUnlessTrusted auto-approves only commands on the known-safe
	// read-only list; everything else prompts.
	ApprovalUnlessTrusted AskForApproval = "unless-trusted"
	// ApprovalOnFailure runs everything in the sandbox and escalates to the
	// user only when sandboxed execution fails.
	ApprovalOnFailure AskForApproval = "on-failure"
	// ApprovalOnRequest lets the model decide when to ask.
	ApprovalOnRequest AskForApproval = "on-request"
	// ApprovalNever returns failures straight to the model.
	ApprovalNever AskForApproval = "never"
)

// ParseAskForApproval validates an approval policy string.
func ParseAskForApproval(s string) (AskForApproval, error) {
	switch AskForApproval(s) {
	case ApprovalUnlessTrusted, ApprovalOnFailure, ApprovalOnRequest, ApprovalNever:
		return AskForApproval(s), nil
	}
	return "", fmt.Errorf("invalid approval policy %q", s)
}

// SandboxMode tags the sandbox policy variant.
type SandboxMode string

const (
	SandboxDangerFullAccess SandboxMode = "danger-full-access"
	SandboxReadOnly         SandboxMode = "read-only"
	SandboxWorkspaceWrite   SandboxMode = "workspace-write"
)

// SandboxPolicy is the tagged union controlling what spawned tools may touch.
// Only the workspace-write variant carries parameters.
type SandboxPolicy struct {
	Mode SandboxMode `json:"mode"`

	// workspace-write parameters.
	WritableRoots       []string `json:"writable_roots,omitempty"`
	NetworkAccess       bool     `json:"network_access,omitempty"`
	ExcludeTmpdirEnvVar bool     `json:"exclude_tmpdir_env_var,omitempty"`
	ExcludeSlashTmp     bool     `json:"exclude_slash_tmp,omitempty"`
}

// NewReadOnlyPolicy returns the read-only sandbox policy.
func NewReadOnlyPolicy() SandboxPolicy {
	return SandboxPolicy{Mode: SandboxReadOnly}
}

// NewWorkspaceWritePolicy returns a workspace-write policy with defaults:
// network blocked, /tmp and $TMPDIR writable.
func NewWorkspaceWritePolicy(roots ...string) SandboxPolicy {
	return SandboxPolicy{Mode: SandboxWorkspaceWrite, WritableRoots: roots}
}

// HasFullDiskWriteAccess reports whether the policy places no write limits.
func (p SandboxPolicy) HasFullDiskWriteAccess() bool {
	return p.Mode == SandboxDangerFullAccess
}

// HasFullNetworkAccess reports whether outbound network is allowed.
func (p SandboxPolicy) HasFullNetworkAccess() bool {
	switch p.Mode {
	case SandboxDangerFullAccess:
		return true
	case SandboxWorkspaceWrite:
		return p.NetworkAccess
	}
	return false
}

// WritableRoot is a directory writes are permitted under, minus the listed
// read-only subpaths (a .git directory inside a writable root stays
// protected even though the root allows writes).
type WritableRoot struct {
	Root             string   `json:"root"`
	ReadOnlySubpaths []string `json:"read_only_subpaths,omitempty"`
}

// IsPathWritable reports whether path falls under the root and outside every
// read-only subpath.
func (w WritableRoot) IsPathWritable(path string) bool {
	if !isPathUnder(w.Root, path) {
		return false
	}
	for _, ro := range w.ReadOnlySubpaths {
		if isPathUnder(ro, path) {
			return false
		}
	}
	return true
}

// GetWritableRoots computes the effective writable roots for the policy given
// the turn's working directory. Only workspace-write yields roots; the cwd and
// the platform temp dirs are always included unless excluded by the policy.
// A top-level .git under each root is marked read-only.
func (p SandboxPolicy) GetWritableRoots(cwd string) []WritableRoot {
	if p.Mode != SandboxWorkspaceWrite {
		return nil
	}

	roots := make([]string, 0, len(p.WritableRoots)+3)
	roots = append(roots, p.WritableRoots...)
	roots = append(roots, cwd)
	if !p.ExcludeSlashTmp && os.PathSeparator == '/' {
		roots = append(roots, "/tmp")
	}
	if !p.ExcludeTmpdirEnvVar {
		if tmpdir := os.Getenv("TMPDIR"); tmpdir != "" {
			roots = append(roots, tmpdir)
		}
	}

	out := make([]WritableRoot, 0, len(roots))
	seen := make(map[string]bool, len(roots))
	for _, r := range roots {
		abs := r
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, r)
		}
		abs = filepath.Clean(abs)
		if seen[abs] {
			continue
		}
		seen[abs] = true

		wr := WritableRoot{Root: abs}
		gitDir := filepath.Join(abs, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			wr.ReadOnlySubpaths = append(wr.ReadOnlySubpaths, gitDir)
		}
		out = append(out, wr)
	}
	return out
}

// CanWritePath reports whether the policy permits writing the given path from
// a turn rooted at cwd.
func (p SandboxPolicy) CanWritePath(cwd, path string) bool {
	switch p.Mode {
	case SandboxDangerFullAccess:
		return true
	case SandboxReadOnly:
		return false
	}
	roots := p.GetWritableRoots(cwd)
	// A read-only subpath of any root denies the write, even when another
	// root (such as /tmp) also covers the path.
	for _, root := range roots {
		for _, ro := range root.ReadOnlySubpaths {
			if isPathUnder(ro, path) {
				return false
			}
		}
	}
	for _, root := range roots {
		if root.IsPathWritable(path) {
			return true
		}
	}
	return false
}

func isPathUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// MarshalJSON emits the tagged form used on the protocol surface:
// {"mode":"workspace-write","writable_roots":[...],...}.
func (p SandboxPolicy) MarshalJSON() ([]byte, error) {
	type plain SandboxPolicy
	return json.Marshal(plain(p))
}

// UnmarshalJSON accepts both the tagged object form and a bare mode string.
func (p *SandboxPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch SandboxMode(s) {
		case SandboxDangerFullAccess, SandboxReadOnly, SandboxWorkspaceWrite:
			*p = SandboxPolicy{Mode: SandboxMode(s)}
			return nil
		}
		return fmt.Errorf("invalid sandbox mode %q", s)
	}
	type plain SandboxPolicy
	var pl plain
	if err := json.Unmarshal(data, &pl); err != nil {
		return err
	}
	*p = SandboxPolicy(pl)
	return nil
}

// ReviewDecision is the user's answer to an approval request.
type ReviewDecision string

const (
	// DecisionApproved allows this one call.
	DecisionApproved ReviewDecision = "approved"
	// DecisionApprovedForSession allows this call and identical subsequent
	// calls for the remainder of the session.
	DecisionApprovedForSession ReviewDecision = "approved-for-session"
	// DecisionDenied rejects the call; the model is told.
	DecisionDenied ReviewDecision = "denied"
	// DecisionAbort rejects the call and interrupts the turn.
	DecisionAbort ReviewDecision = "abort"
)
