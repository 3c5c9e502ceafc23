package rollout

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Recorder owns one rollout file. All writes funnel through a dedicated
// writer goroutine; each line is flushed as it is written so a crash loses
// at most the line in flight.
type Recorder struct {
	// Path is the rollout file location.
	Path string

	lines chan []byte
	done  chan struct{}
	file  *os.File
}

// NewRecorder creates a fresh rollout under dir
// (<dir>/<date>/rollout-<ts>-<session>.jsonl) and writes the session_meta
// line.
func NewRecorder(dir string, meta SessionMeta) (*Recorder, error) {
	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	name := fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("2006-01-02T15-04-05"), meta.ID)
	path := filepath.Join(dir, day, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create sessions dir: %w", err)
	}
	return newRecorderAt(path, meta)
}

func newRecorderAt(path string, meta SessionMeta) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("rollout: create %s: %w", path, err)
	}

	r := &Recorder{
		Path:  path,
		lines: make(chan []byte, 256),
		done:  make(chan struct{}),
		file:  file,
	}
	go r.writeLoop()

	if err := r.record(KindSessionMeta, meta); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	w := bufio.NewWriter(r.file)
	for line := range r.lines {
		if _, err := w.Write(line); err != nil {
			log.Printf("rollout: write: %v", err)
			continue
		}
		if err := w.WriteByte('\n'); err != nil {
			log.Printf("rollout: write: %v", err)
			continue
		}
		if err := w.Flush(); err != nil {
			log.Printf("rollout: flush: %v", err)
		}
	}
	_ = r.file.Sync()
	_ = r.file.Close()
}

func (r *Recorder) record(kind string, payload any) error {
	line, err := encodeLine(kind, payload)
	if err != nil {
		return err
	}
	select {
	case r.lines <- line:
		return nil
	case <-r.done:
		return fmt.Errorf("rollout: recorder closed")
	}
}

// RecordItems appends response_item lines.
func (r *Recorder) RecordItems(items []protocol.ResponseItem) {
	for _, item := range items {
		if err := r.record(KindResponseItem, item); err != nil {
			log.Printf("rollout: record item: %v", err)
		}
	}
}

// RecordTurnContext appends a turn_context line.
func (r *Recorder) RecordTurnContext(tc TurnContextRecord) {
	if err := r.record(KindTurnContext, tc); err != nil {
		log.Printf("rollout: record turn context: %v", err)
	}
}

// RecordCompacted appends a compacted line.
func (r *Recorder) RecordCompacted(summary string) {
	if err := r.record(KindCompacted, CompactedRecord{Message: summary}); err != nil {
		log.Printf("rollout: record compacted: %v", err)
	}
}

// RecordEvent tees a user-visible event so a replay can reconstruct the UI
// without re-executing tools. Deltas are skipped: the completed items carry
// the same content.
func (r *Recorder) RecordEvent(msg protocol.EventMsg) {
	if !persistedEvent(msg) {
		return
	}
	body, err := protocol.MarshalEventMsg(msg)
	if err != nil {
		log.Printf("rollout: encode event: %v", err)
		return
	}
	if err := r.record(KindEventMsg, body); err != nil {
		log.Printf("rollout: record event: %v", err)
	}
}

// persistedEvent filters the event kinds worth replaying.
func persistedEvent(msg protocol.EventMsg) bool {
	switch msg.(type) {
	case protocol.AgentMessageDeltaEvent, *protocol.AgentMessageDeltaEvent,
		protocol.AgentReasoningDeltaEvent, *protocol.AgentReasoningDeltaEvent,
		protocol.AgentReasoningRawContentDeltaEvent, *protocol.AgentReasoningRawContentDeltaEvent,
		protocol.ExecCommandOutputDeltaEvent, *protocol.ExecCommandOutputDeltaEvent,
		protocol.TokenCountEvent, *protocol.TokenCountEvent:
		return false
	}
	return true
}

// Close drains pending lines and closes the file.
func (r *Recorder) Close() {
	close(r.lines)
	<-r.done
}
