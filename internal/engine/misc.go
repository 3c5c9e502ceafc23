package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ya-luotao/codex/internal/protocol"
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

// displayPath renders a path relative to the turn cwd when possible.
func displayPath(cwd, path string) string {
	rel, err := filepath.Rel(cwd, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func jsonMarshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("nil value")
	}
	return json.Marshal(v)
}

// messageHistoryFile is the cross-session user-message log under the data
// directory, one JSON object per line.
func (s *Session) messageHistoryFile() string {
	return filepath.Join(s.cfg.DataDir, "history.jsonl")
}

type messageHistoryLine struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"ts"`
	Text      string `json:"text"`
}

// appendMessageHistory adds one entry to the shared message history.
func (s *Session) appendMessageHistory(text string) error {
	f, err := os.OpenFile(s.messageHistoryFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("history file: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(messageHistoryLine{
		SessionID: s.id,
		Timestamp: time.Now().Unix(),
		Text:      text,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// messageHistoryEntry returns the text at the given offset, empty when out
// of range.
func (s *Session) messageHistoryEntry(offset int) string {
	f, err := os.Open(s.messageHistoryFile())
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	idx := 0
	for scanner.Scan() {
		if idx == offset {
			var line messageHistoryLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err == nil {
				return line.Text
			}
			return ""
		}
		idx++
	}
	return ""
}

// listCustomPrompts discovers markdown prompts under <data_dir>/prompts,
// sorted by name.
func (s *Session) listCustomPrompts() []protocol.CustomPrompt {
	entries, err := os.ReadDir(s.cfg.PromptsDir())
	if err != nil {
		return nil
	}
	var prompts []protocol.CustomPrompt
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(s.cfg.PromptsDir(), entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		prompts = append(prompts, protocol.CustomPrompt{
			Name:    strings.TrimSuffix(entry.Name(), ".md"),
			Path:    path,
			Content: string(data),
		})
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}
