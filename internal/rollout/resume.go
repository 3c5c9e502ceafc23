package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Saved is a conversation reconstructed from a rollout file.
type Saved struct {
	Meta SessionMeta
	// History is the replayable item sequence, compaction applied and system
	// messages filtered out.
	History []protocol.ResponseItem
	// TurnContext is the last recorded context, nil when none was written.
	TurnContext *TurnContextRecord
	// Events are the persisted user-visible events, replayable to a new
	// subscriber.
	Events []protocol.EventMsg
	// Lines holds every raw line for fork replay.
	Lines [][]byte
}

// Resume reads an existing rollout and reconstructs the conversation state.
func Resume(path string) (*Saved, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}
	defer f.Close()

	saved := &Saved{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true

	for scanner.Scan() {
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("rollout: parse line: %w", err)
		}
		saved.Lines = append(saved.Lines, raw)

		switch line.Type {
		case KindSessionMeta:
			if first {
				if err := json.Unmarshal(line.Payload, &saved.Meta); err != nil {
					return nil, fmt.Errorf("rollout: parse session meta: %w", err)
				}
			}
		case KindResponseItem:
			item, err := protocol.ParseResponseItem(line.Payload)
			if err != nil {
				return nil, fmt.Errorf("rollout: parse response item: %w", err)
			}
			if item.Type == protocol.ItemMessage && item.Role == "system" {
				continue
			}
			saved.History = append(saved.History, item)
		case KindCompacted:
			var rec CompactedRecord
			if err := json.Unmarshal(line.Payload, &rec); err != nil {
				return nil, fmt.Errorf("rollout: parse compacted: %w", err)
			}
			// Compaction replaces everything recorded so far with one
			// assistant summary message.
			saved.History = []protocol.ResponseItem{protocol.AssistantMessage(rec.Message)}
		case KindTurnContext:
			var tc TurnContextRecord
			if err := json.Unmarshal(line.Payload, &tc); err != nil {
				return nil, fmt.Errorf("rollout: parse turn context: %w", err)
			}
			saved.TurnContext = &tc
		case KindEventMsg:
			if msg, err := protocol.UnmarshalEventMsg(line.Payload); err == nil {
				saved.Events = append(saved.Events, msg)
			}
		}
		first = false
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("rollout: read %s: %w", path, err)
	}
	if first {
		return nil, fmt.Errorf("rollout: %s is empty", path)
	}
	return saved, nil
}

// ResumeRecorder reopens an existing rollout for appending; new lines go to
// the same file.
func ResumeRecorder(path string) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("rollout: reopen %s: %w", path, err)
	}
	r := &Recorder{
		Path:  path,
		lines: make(chan []byte, 256),
		done:  make(chan struct{}),
		file:  file,
	}
	go r.writeLoop()
	return r, nil
}

// Fork replays the source rollout's lines into a new file under dir for the
// new session ID, leaving the original untouched. The new file's meta line
// carries the new ID but keeps the original's configuration.
func Fork(sourcePath, dir, newSessionID string) (*Recorder, *Saved, error) {
	saved, err := Resume(sourcePath)
	if err != nil {
		return nil, nil, err
	}

	meta := saved.Meta
	meta.ID = newSessionID
	meta.Timestamp = time.Now().UTC().Format(time.RFC3339)

	r, err := NewRecorder(dir, meta)
	if err != nil {
		return nil, nil, err
	}

	// Replay everything after the original meta line verbatim.
	for _, raw := range saved.Lines {
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil || line.Type == KindSessionMeta {
			continue
		}
		select {
		case r.lines <- raw:
		case <-r.done:
			return nil, nil, fmt.Errorf("rollout: fork recorder closed")
		}
	}
	return r, saved, nil
}
