package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-luotao/codex/internal/config"
)

type echoArgs struct {
	Msg string `json:"msg"`
}

type echoResult struct {
	Echo string `json:"echo"`
}

// newConnectedManager wires a manager to an in-process MCP server over the
// SDK's in-memory transport pair.
func newConnectedManager(t *testing.T) *ConnectionManager {
	t.Helper()

	server := gomcp.NewServer(&gomcp.Implementation{Name: "srv", Version: "1.0.0"}, nil)
	gomcp.AddTool(server, &gomcp.Tool{Name: "echo", Description: "echoes the message"},
		func(_ context.Context, _ *gomcp.CallToolRequest, args echoArgs) (*gomcp.CallToolResult, echoResult, error) {
			if args.Msg == "boom" {
				return &gomcp.CallToolResult{
					IsError: true,
					Content: []gomcp.Content{&gomcp.TextContent{Text: "tool exploded"}},
				}, echoResult{}, nil
			}
			return &gomcp.CallToolResult{
				Content: []gomcp.Content{&gomcp.TextContent{Text: args.Msg}},
			}, echoResult{Echo: args.Msg}, nil
		})

	serverTransport, clientTransport := gomcp.NewInMemoryTransports()
	_, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(t, err)

	sdkClient := gomcp.NewClient(&gomcp.Implementation{Name: "test", Version: "0.0.0"}, nil)
	session, err := sdkClient.Connect(context.Background(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	m := NewConnectionManager(map[string]config.McpServerConfig{
		"srv": {Command: "unused-in-tests"},
	}, "")

	// Mark the server as initialized with the pre-connected session.
	c := m.clients["srv"]
	c.once.Do(func() { c.session = session })
	return m
}

func TestRefreshToolsBuildsQualifiedRegistry(t *testing.T) {
	m := newConnectedManager(t)

	tools, err := m.RefreshTools(context.Background())
	require.NoError(t, err)
	require.Contains(t, tools, "srv__echo")
	entry := tools["srv__echo"]
	assert.Equal(t, "srv", entry.Server)
	assert.Equal(t, "echo", entry.ToolName)
	require.NotNil(t, entry.Tool)
	assert.Equal(t, "echoes the message", entry.Tool.Description)
}

func TestCallToolSuccess(t *testing.T) {
	m := newConnectedManager(t)
	result, err := m.CallTool(context.Background(), "srv", "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)
	assert.Equal(t, "hi", flattenContent(result))
}

func TestCallToolToolError(t *testing.T) {
	m := newConnectedManager(t)
	result, err := m.CallTool(context.Background(), "srv", "echo", json.RawMessage(`{"msg":"boom"}`))
	require.Error(t, err)

	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "tool exploded", toolErr.Content)
	// The result still carries the content for the model.
	require.NotNil(t, result)
	assert.True(t, result.IsError)
}

func TestCallToolUnknownServer(t *testing.T) {
	m := newConnectedManager(t)
	_, err := m.CallTool(context.Background(), "ghost", "echo", nil)
	var unknown *ErrUnknownServer
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Server)
}

func TestLookupFallsBackToDelimiterParsing(t *testing.T) {
	m := newConnectedManager(t)
	entry, ok := m.Lookup("srv__never_listed")
	require.True(t, ok)
	assert.Equal(t, "srv", entry.Server)
	assert.Equal(t, "never_listed", entry.ToolName)

	_, ok = m.Lookup("ghost__tool")
	assert.False(t, ok)
}

func TestWatchPublishesToolCount(t *testing.T) {
	m := newConnectedManager(t)
	watch := m.Watch()

	_, err := m.RefreshTools(context.Background())
	require.NoError(t, err)

	select {
	case n := <-watch:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel never published")
	}
}

func TestDisabledToolsAreFiltered(t *testing.T) {
	m := newConnectedManager(t)
	cfg := m.clients["srv"].cfg
	cfg.DisabledTools = []string{"echo"}
	m.clients["srv"].cfg = cfg

	tools, err := m.RefreshTools(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tools)
}
