package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ya-luotao/codex/internal/config"
	"github.com/ya-luotao/codex/internal/version"
)

// ToolEntry is one aggregated tool with its origin and raw definition.
type ToolEntry struct {
	Server   string
	ToolName string
	Tool     *gomcp.Tool
}

// ErrUnknownServer is wrapped into lookup failures for unconfigured servers.
type ErrUnknownServer struct {
	Server string
}

func (e *ErrUnknownServer) Error() string {
	return fmt.Sprintf("mcp: unknown server %q", e.Server)
}

// ToolError is a tool-level failure (CallToolResult.IsError): it goes back
// to the model as output content, unlike transport errors which surface as
// system errors.
type ToolError struct {
	Content string
}

func (e *ToolError) Error() string { return e.Content }

// client is the per-server state: a lazily-connected session guarded by a
// single-writer cell so the initialize handshake runs at most once.
type client struct {
	name string
	cfg  config.McpServerConfig

	once    sync.Once
	session *gomcp.ClientSession
	initErr error
}

// ConnectionManager owns one client per configured server and the namespaced
// tool registry built from their catalogs.
type ConnectionManager struct {
	clients map[string]*client
	envFile string

	mu    sync.RWMutex
	tools map[string]ToolEntry

	watchMu  sync.Mutex
	watchers []chan int
}

// NewConnectionManager registers the configured servers without connecting
// to any of them; connections happen on first use.
func NewConnectionManager(servers map[string]config.McpServerConfig, envFile string) *ConnectionManager {
	m := &ConnectionManager{
		clients: make(map[string]*client, len(servers)),
		envFile: envFile,
		tools:   make(map[string]ToolEntry),
	}
	for name, cfg := range servers {
		if cfg.IsEnabled() {
			m.clients[name] = &client{name: name, cfg: cfg}
		}
	}
	return m
}

// ensureConnected runs the initialize handshake once per server, bounded by
// the server's startup timeout.
func (m *ConnectionManager) ensureConnected(ctx context.Context, c *client) (*gomcp.ClientSession, error) {
	c.once.Do(func() {
		connectCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout())
		defer cancel()

		impl := &gomcp.Implementation{Name: "codex", Version: version.Version}
		sdkClient := gomcp.NewClient(impl, nil)

		transport, err := m.buildTransport(connectCtx, c)
		if err != nil {
			c.initErr = err
			return
		}
		session, err := sdkClient.Connect(connectCtx, transport, nil)
		if err != nil {
			c.initErr = fmt.Errorf("mcp: initialize %s: %w", c.name, err)
			return
		}
		c.session = session
	})
	return c.session, c.initErr
}

func (m *ConnectionManager) buildTransport(ctx context.Context, c *client) (gomcp.Transport, error) {
	cfg := c.cfg
	if cfg.IsStdio() {
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if cfg.Cwd != "" {
			cmd.Dir = cfg.Cwd
		}
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &gomcp.CommandTransport{Command: cmd}, nil
	}
	if cfg.URL != "" {
		httpClient := http.DefaultClient
		if token := config.LookupBearerToken(m.envFile, cfg.BearerTokenEnvVar); token != "" {
			httpClient = &http.Client{Transport: &bearerTransport{token: token}}
		}
		return &gomcp.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: httpClient}, nil
	}
	return nil, fmt.Errorf("mcp: server %s has neither command nor url", c.name)
}

// bearerTransport injects the Authorization header on every request.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// RefreshTools lists every server's tools concurrently (each under its own
// startup timeout) and replaces the registry. Failing servers keep their
// previous entries out of the catalog but do not fail the refresh.
func (m *ConnectionManager) RefreshTools(ctx context.Context) (map[string]ToolEntry, error) {
	type serverTools struct {
		name    string
		entries []ToolEntry
		err     error
	}

	results := make(chan serverTools, len(m.clients))
	for _, c := range m.clients {
		go func(c *client) {
			entries, err := m.listServerTools(ctx, c)
			results <- serverTools{name: c.name, entries: entries, err: err}
		}(c)
	}

	var all []ToolEntry
	for range m.clients {
		r := <-results
		if r.err != nil {
			log.Printf("mcp: list tools for %s failed: %v", r.name, r.err)
			continue
		}
		all = append(all, r.entries...)
	}

	qualified := qualifyAll(all)

	m.mu.Lock()
	m.tools = qualified
	m.mu.Unlock()
	m.notifyWatchers(len(qualified))

	return m.snapshot(), nil
}

// RefreshToolsInBackground runs a refresh without blocking the caller; the
// watch channel reports completion.
func (m *ConnectionManager) RefreshToolsInBackground() {
	go func() {
		if _, err := m.RefreshTools(context.Background()); err != nil {
			log.Printf("mcp: background refresh failed: %v", err)
		}
	}()
}

func (m *ConnectionManager) listServerTools(ctx context.Context, c *client) ([]ToolEntry, error) {
	session, err := m.ensureConnected(ctx, c)
	if err != nil {
		return nil, err
	}
	listCtx, cancel := context.WithTimeout(ctx, c.cfg.StartupTimeout())
	defer cancel()

	res, err := session.ListTools(listCtx, nil)
	if err != nil {
		return nil, err
	}

	filter := newToolFilter(c.cfg.EnabledTools, c.cfg.DisabledTools)
	entries := make([]ToolEntry, 0, len(res.Tools))
	for _, t := range res.Tools {
		if filter.allows(t.Name) {
			entries = append(entries, ToolEntry{Server: c.name, ToolName: t.Name, Tool: t})
		}
	}
	return entries, nil
}

// Tools returns a snapshot of the registry.
func (m *ConnectionManager) Tools() map[string]ToolEntry {
	return m.snapshot()
}

func (m *ConnectionManager) snapshot() map[string]ToolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ToolEntry, len(m.tools))
	for k, v := range m.tools {
		out[k] = v
	}
	return out
}

// Lookup resolves a fully-qualified tool name against the registry, falling
// back to delimiter parsing for names that were never listed.
func (m *ConnectionManager) Lookup(qualified string) (ToolEntry, bool) {
	m.mu.RLock()
	entry, ok := m.tools[qualified]
	m.mu.RUnlock()
	if ok {
		return entry, true
	}
	server, tool, ok := ParseQualifiedName(qualified)
	if !ok {
		return ToolEntry{}, false
	}
	if _, configured := m.clients[server]; !configured {
		return ToolEntry{}, false
	}
	return ToolEntry{Server: server, ToolName: tool}, true
}

// Watch returns a channel publishing the registry's tool count after each
// refresh; callers use it to await first-ready.
func (m *ConnectionManager) Watch() <-chan int {
	ch := make(chan int, 1)
	m.watchMu.Lock()
	m.watchers = append(m.watchers, ch)
	m.watchMu.Unlock()

	m.mu.RLock()
	n := len(m.tools)
	m.mu.RUnlock()
	if n > 0 {
		ch <- n
	}
	return ch
}

func (m *ConnectionManager) notifyWatchers(n int) {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- n:
		default:
		}
	}
}

// CallTool invokes a tool on the named server under the per-call timeout.
// A tool-level error returns (*ToolError); transport failures return other
// error kinds.
func (m *ConnectionManager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (*gomcp.CallToolResult, error) {
	c, ok := m.clients[server]
	if !ok {
		return nil, &ErrUnknownServer{Server: server}
	}
	session, err := m.ensureConnected(ctx, c)
	if err != nil {
		return nil, err
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("mcp: invalid arguments for %s/%s: %w", server, tool, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.ToolTimeout())
	defer cancel()

	result, err := session.CallTool(callCtx, &gomcp.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %s/%s: %w", server, tool, err)
	}
	if result.IsError {
		return result, &ToolError{Content: flattenContent(result)}
	}
	return result, nil
}

// flattenContent joins a result's text content blocks.
func flattenContent(result *gomcp.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// Close shuts down every connected session.
func (m *ConnectionManager) Close() {
	for name, c := range m.clients {
		if c.session != nil {
			if err := c.session.Close(); err != nil {
				log.Printf("mcp: close %s: %v", name, err)
			}
		}
	}
}

// toolFilter applies the per-server enabled/disabled tool lists.
type toolFilter struct {
	enabled  map[string]bool // nil = allow all
	disabled map[string]bool
}

func newToolFilter(enabledTools, disabledTools []string) toolFilter {
	var enabled map[string]bool
	if len(enabledTools) > 0 {
		enabled = make(map[string]bool, len(enabledTools))
		for _, t := range enabledTools {
			enabled[t] = true
		}
	}
	disabled := make(map[string]bool, len(disabledTools))
	for _, t := range disabledTools {
		disabled[t] = true
	}
	return toolFilter{enabled: enabled, disabled: disabled}
}

func (f toolFilter) allows(tool string) bool {
	if f.enabled != nil && !f.enabled[tool] {
		return false
	}
	return !f.disabled[tool]
}
