// Package rollout records every durable conversation item to an append-only
// line-delimited JSON log, and reconstructs conversations from those logs for
// resume and fork.
package rollout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Line kinds.
const (
	KindSessionMeta  = "session_meta"
	KindTurnContext  = "turn_context"
	KindResponseItem = "response_item"
	KindCompacted    = "compacted"
	KindEventMsg     = "event_msg"
)

// Line is one rollout-file record.
type Line struct {
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// GitInfo captures the repository state at session start.
type GitInfo struct {
	CommitHash    string `json:"commit_hash,omitempty"`
	Branch        string `json:"branch,omitempty"`
	RepositoryURL string `json:"repository_url,omitempty"`
}

// SessionMeta is the first line of every rollout.
type SessionMeta struct {
	ID           string   `json:"id"`
	Timestamp    string   `json:"timestamp"`
	Cwd          string   `json:"cwd"`
	Originator   string   `json:"originator"`
	CLIVersion   string   `json:"cli_version"`
	Instructions string   `json:"instructions,omitempty"`
	Git          *GitInfo `json:"-"`
}

// MarshalJSON adds the git info as a "git" object beside the meta fields
// when present.
func (m SessionMeta) MarshalJSON() ([]byte, error) {
	type plain SessionMeta
	body, err := json.Marshal(plain(m))
	if err != nil {
		return nil, err
	}
	if m.Git == nil {
		return body, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, err
	}
	gitBody, err := json.Marshal(m.Git)
	if err != nil {
		return nil, err
	}
	merged["git"] = gitBody
	return json.Marshal(merged)
}

// UnmarshalJSON reads the meta fields and the "git" object beside them.
func (m *SessionMeta) UnmarshalJSON(data []byte) error {
	type plain SessionMeta
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = SessionMeta(p)
	var aux struct {
		Git *GitInfo `json:"git"`
	}
	if err := json.Unmarshal(data, &aux); err == nil {
		m.Git = aux.Git
	}
	return nil
}

// TurnContextRecord captures the mutable turn context at the time it changed.
type TurnContextRecord struct {
	Cwd            string                  `json:"cwd"`
	ApprovalPolicy protocol.AskForApproval `json:"approval_policy"`
	SandboxPolicy  protocol.SandboxPolicy  `json:"sandbox_policy"`
	Model          string                  `json:"model"`
	Effort         string                  `json:"effort,omitempty"`
	Summary        string                  `json:"summary,omitempty"`
}

// CompactedRecord replaces a history prefix with one summary message.
type CompactedRecord struct {
	Message string `json:"message"`
}

func encodeLine(kind string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rollout: encode %s: %w", kind, err)
	}
	line := Line{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      kind,
		Payload:   body,
	}
	return json.Marshal(line)
}
