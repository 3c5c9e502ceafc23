package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ya-luotao/codex/internal/auth"
	"github.com/ya-luotao/codex/internal/client"
	"github.com/ya-luotao/codex/internal/config"
	"github.com/ya-luotao/codex/internal/execpolicy"
	"github.com/ya-luotao/codex/internal/instructions"
	"github.com/ya-luotao/codex/internal/mcp"
	"github.com/ya-luotao/codex/internal/protocol"
	"github.com/ya-luotao/codex/internal/rollout"
	"github.com/ya-luotao/codex/internal/sandbox"
	"github.com/ya-luotao/codex/internal/version"
)

// eventQueueSize bounds the event channel. Producers of non-essential deltas
// block when the consumer falls behind; control events ride the same ordered
// queue so begin/end pairs stay causal.
const eventQueueSize = 256

// Streamer abstracts the model client so tests can stub the provider.
type Streamer interface {
	Stream(ctx context.Context, prompt *client.Prompt) (*client.ResponseStream, error)
}

// Options assembles a session's collaborators.
type Options struct {
	Config *config.Config
	// ConversationID is assigned when empty.
	ConversationID string
	// BaseInstructions overrides the built-in system prompt.
	BaseInstructions string
	// Client overrides the model client (tests); when nil one is built from
	// the provider config.
	Client Streamer
	// SandboxType overrides platform detection.
	SandboxType sandbox.Type
	// ResumePath replays an existing rollout instead of starting fresh.
	ResumePath string
	// ForkPath replays an existing rollout into a new log.
	ForkPath string
	// WebSearchEnabled adds the provider-native web_search tool.
	WebSearchEnabled bool
	// DisableRollout skips rollout recording (review sub-sessions).
	DisableRollout bool
}

// Session is one conversation: its state, queues, and collaborators.
type Session struct {
	id  string
	cfg *config.Config

	// configSnapshot is the immutable session configuration; turnContext is
	// the mutable mirror.
	configSnapshot TurnContext
	turnContext    TurnContext

	history  *History
	events   chan protocol.Event
	subs     chan protocol.Submission
	rollout  *rollout.Recorder
	mcp      *mcp.ConnectionManager
	auth     *auth.Manager
	client   Streamer
	policy   *execpolicy.Policy
	sandboxT sandbox.Type

	approvals *approvalState
	children  *subSessionManager

	baseInstructions string
	webSearchEnabled bool

	// Turn bookkeeping, owned by the run loop.
	activeTurn *turnHandle
	usage      protocol.TokenUsageInfo

	injectedUserInstructions bool
	lastEnvContext           string

	shutdownOnce sync.Once
	done         chan struct{}
}

// turnHandle tracks the in-flight turn task.
type turnHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	// abortReason is read by the turn goroutine when its context dies.
	mu          sync.Mutex
	abortReason protocol.TurnAbortReason
}

func (h *turnHandle) setReason(r protocol.TurnAbortReason) {
	h.mu.Lock()
	h.abortReason = r
	h.mu.Unlock()
}

func (h *turnHandle) reason() protocol.TurnAbortReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abortReason == "" {
		return protocol.AbortReasonInterrupted
	}
	return h.abortReason
}

// New builds and starts a session. The returned session is already running;
// feed it with Submit and drain Events.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}

	id := opts.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	approvalPolicy, err := protocol.ParseAskForApproval(cfg.ApprovalPolicy)
	if err != nil {
		return nil, err
	}
	sandboxPolicy, err := cfg.ResolveSandboxPolicy()
	if err != nil {
		return nil, err
	}

	cwd, _ := os.Getwd()
	tc := TurnContext{
		Cwd:            cwd,
		ApprovalPolicy: approvalPolicy,
		SandboxPolicy:  sandboxPolicy,
		Model:          cfg.Model,
		Effort:         cfg.Effort,
	}

	policy, err := execpolicy.Load(cfg.DataDir)
	if err != nil {
		log.Printf("engine: exec policy load failed, continuing without: %v", err)
		policy = execpolicy.NewPolicy()
	}

	s := &Session{
		id:               id,
		cfg:              cfg,
		history:          NewHistory(nil),
		events:           make(chan protocol.Event, eventQueueSize),
		subs:             make(chan protocol.Submission, 64),
		auth:             auth.NewManager(cfg.AuthFile(), cfg.Provider().EnvKey),
		policy:           policy,
		approvals:        newApprovalState(),
		baseInstructions: instructions.BaseInstructions(opts.BaseInstructions),
		webSearchEnabled: opts.WebSearchEnabled,
		done:             make(chan struct{}),
	}
	s.children = newSubSessionManager(s)

	s.sandboxT = opts.SandboxType
	if s.sandboxT == "" {
		s.sandboxT = sandbox.Detect()
	}

	// initRollout sets turnContext: the fresh context, or the one recovered
	// from a resumed/forked log.
	if err := s.initRollout(opts, tc); err != nil {
		return nil, err
	}
	s.configSnapshot = s.turnContext

	if len(cfg.McpServers) > 0 {
		s.mcp = mcp.NewConnectionManager(cfg.McpServers, cfg.EnvFile())
		s.mcp.RefreshToolsInBackground()
	}

	s.client = opts.Client
	if s.client == nil {
		s.client = client.New(cfg.Provider(), s.auth, s.id)
	}

	go s.run()

	s.emit("", protocol.SessionConfiguredEvent{
		SessionID:         s.id,
		Model:             s.turnContext.Model,
		HistoryEntryCount: s.history.Len(),
		RolloutPath:       s.rolloutPath(),
	})
	return s, nil
}

// initRollout wires the recorder for fresh, resumed, and forked sessions.
func (s *Session) initRollout(opts Options, tc TurnContext) error {
	if opts.DisableRollout {
		s.turnContext = tc
		return nil
	}

	switch {
	case opts.ResumePath != "":
		saved, err := rollout.Resume(opts.ResumePath)
		if err != nil {
			return err
		}
		rec, err := rollout.ResumeRecorder(opts.ResumePath)
		if err != nil {
			return err
		}
		s.rollout = rec
		s.adoptSaved(saved, tc)

	case opts.ForkPath != "":
		rec, saved, err := rollout.Fork(opts.ForkPath, s.cfg.SessionsDir(), s.id)
		if err != nil {
			return err
		}
		s.rollout = rec
		s.adoptSaved(saved, tc)

	default:
		meta := rollout.SessionMeta{
			ID:           s.id,
			Timestamp:    nowRFC3339(),
			Cwd:          tc.Cwd,
			Originator:   "codex_cli_go",
			CLIVersion:   version.Version,
			Instructions: s.cfg.BaseInstructions,
			Git:          rollout.CollectGitInfo(tc.Cwd),
		}
		rec, err := rollout.NewRecorder(s.cfg.SessionsDir(), meta)
		if err != nil {
			return err
		}
		s.rollout = rec
		s.turnContext = tc
	}
	return nil
}

func (s *Session) adoptSaved(saved *rollout.Saved, fallback TurnContext) {
	s.history = NewHistory(saved.History)
	if saved.TurnContext != nil {
		s.turnContext = contextFromRecord(*saved.TurnContext)
	} else {
		s.turnContext = fallback
	}
	// Instructions were already injected in the previous life of this log.
	s.injectedUserInstructions = true
}

func (s *Session) rolloutPath() string {
	if s.rollout == nil {
		return ""
	}
	return s.rollout.Path
}

// ID returns the conversation ID.
func (s *Session) ID() string { return s.id }

// Events is the outbound event queue.
func (s *Session) Events() <-chan protocol.Event { return s.events }

// Submit enqueues a submission; it blocks while the submission queue is full
// and returns an error once the session has shut down.
func (s *Session) Submit(sub protocol.Submission) error {
	select {
	case s.subs <- sub:
		return nil
	case <-s.done:
		return fmt.Errorf("engine: session is shut down")
	}
}

// run is the session's submission loop; history and turn state are only
// touched from here and from the single active turn goroutine.
func (s *Session) run() {
	for {
		select {
		case sub := <-s.subs:
			if shutdown := s.handleSubmission(sub); shutdown {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleSubmission(sub protocol.Submission) bool {
	switch op := sub.Op.(type) {
	case *protocol.InterruptOp:
		s.abortTurn(protocol.AbortReasonInterrupted)

	case *protocol.UserInputOp:
		s.startTurn(sub.ID, op.Items, nil)

	case *protocol.UserTurnOp:
		override := TurnContext{
			Cwd:            op.Cwd,
			ApprovalPolicy: op.ApprovalPolicy,
			SandboxPolicy:  op.SandboxPolicy,
			Model:          op.Model,
			Effort:         op.Effort,
			Summary:        op.Summary,
		}
		s.startTurn(sub.ID, op.Items, &override)

	case *protocol.OverrideTurnContextOp:
		s.turnContext = s.turnContext.applyOverride(op)
		if s.rollout != nil {
			s.rollout.RecordTurnContext(s.turnContext.Record())
		}

	case *protocol.ExecApprovalOp:
		s.approvals.resolve(op.ID, op.Decision)
		if op.Decision == protocol.DecisionAbort {
			s.abortTurn(protocol.AbortReasonInterrupted)
		}

	case *protocol.PatchApprovalOp:
		s.approvals.resolve(op.ID, op.Decision)
		if op.Decision == protocol.DecisionAbort {
			s.abortTurn(protocol.AbortReasonInterrupted)
		}

	case *protocol.AddToHistoryOp:
		if err := s.appendMessageHistory(op.Text); err != nil {
			s.emit(sub.ID, protocol.ErrorEvent{Message: err.Error()})
		}

	case *protocol.GetHistoryEntryOp:
		entry := s.messageHistoryEntry(op.Offset)
		s.emit(sub.ID, protocol.GetHistoryEntryResponseEvent{Offset: op.Offset, LogID: op.LogID, Entry: entry})

	case *protocol.ListMcpToolsOp:
		s.emit(sub.ID, s.listMcpTools())

	case *protocol.ListCustomPromptsOp:
		s.emit(sub.ID, protocol.ListCustomPromptsResponseEvent{CustomPrompts: s.listCustomPrompts()})

	case *protocol.CompactOp:
		s.startCompact(sub.ID)

	case *protocol.ReviewOp:
		s.children.startReview(sub.ID, op.Request)

	case *protocol.ShutdownOp:
		s.shutdown(sub.ID)
		return true

	default:
		s.emit(sub.ID, protocol.ErrorEvent{Message: fmt.Sprintf("unsupported submission op %T", sub.Op)})
	}
	return false
}

// startTurn aborts any active turn (reason: replaced) and launches the new
// one on its own goroutine.
func (s *Session) startTurn(subID string, items []protocol.InputItem, override *TurnContext) {
	if s.activeTurn != nil {
		s.activeTurn.setReason(protocol.AbortReasonReplaced)
		s.activeTurn.cancel()
		<-s.activeTurn.done
		s.activeTurn = nil
	}

	tc := s.turnContext
	if override != nil {
		tc = *override
		if s.rollout != nil {
			s.rollout.RecordTurnContext(tc.Record())
		}
	}

	inputItems := convertInputItems(items)
	if len(inputItems) == 0 {
		s.emit(subID, protocol.ErrorEvent{Message: "no input items"})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &turnHandle{cancel: cancel, done: make(chan struct{})}
	s.activeTurn = handle

	go func() {
		defer close(handle.done)
		s.runTurn(ctx, handle, subID, tc, inputItems)
	}()
}

// abortTurn cancels the in-flight turn, if any, and waits for it to wind
// down (the turn goroutine emits TurnAborted).
func (s *Session) abortTurn(reason protocol.TurnAbortReason) {
	if s.activeTurn == nil {
		return
	}
	s.activeTurn.setReason(reason)
	s.activeTurn.cancel()
	<-s.activeTurn.done
	s.activeTurn = nil
}

// shutdown drains children, aborts the turn, flushes the rollout, and emits
// the final event.
func (s *Session) shutdown(subID string) {
	s.shutdownOnce.Do(func() {
		s.children.abortAll()
		s.abortTurn(protocol.AbortReasonInterrupted)
		if s.mcp != nil {
			s.mcp.Close()
		}
		s.emit(subID, protocol.ShutdownCompleteEvent{})
		if s.rollout != nil {
			s.rollout.Close()
		}
		close(s.done)
		close(s.events)
	})
}

// emit queues an event and tees it to the rollout. Sends block when the
// queue is full, slowing the producer rather than dropping.
func (s *Session) emit(subID string, msg protocol.EventMsg) {
	if s.rollout != nil {
		s.rollout.RecordEvent(msg)
	}
	select {
	case s.events <- protocol.Event{ID: subID, Msg: msg}:
	case <-s.done:
	}
}

// convertInputItems maps protocol input items to response items. Local image
// paths are inlined as data URLs.
func convertInputItems(items []protocol.InputItem) []protocol.ResponseItem {
	var out []protocol.ResponseItem
	for _, item := range items {
		switch item.Type {
		case "text":
			out = append(out, protocol.UserMessage(item.Text))
		case "image":
			out = append(out, protocol.UserImage(item.ImageURL))
		case "local_image":
			data, err := os.ReadFile(item.Path)
			if err != nil {
				log.Printf("engine: skipping unreadable image %s: %v", item.Path, err)
				continue
			}
			mime := mimeForPath(item.Path)
			url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
			out = append(out, protocol.UserImage(url))
		}
	}
	return out
}

func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func (s *Session) listMcpTools() protocol.McpListToolsResponseEvent {
	out := protocol.McpListToolsResponseEvent{Tools: map[string]protocol.McpToolInfo{}}
	if s.mcp == nil {
		return out
	}
	for qualified, entry := range s.mcp.Tools() {
		info := protocol.McpToolInfo{Server: entry.Server, Tool: entry.ToolName}
		if entry.Tool != nil {
			info.Description = entry.Tool.Description
			if schema, err := jsonMarshal(entry.Tool.InputSchema); err == nil {
				info.InputSchema = schema
			}
		}
		out.Tools[qualified] = info
	}
	return out
}
