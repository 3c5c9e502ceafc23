// Package config loads the engine's global configuration from the data
// directory: config.toml, the optional .env overrides, and the on-disk
// layout for sessions, traces, and credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ya-luotao/codex/internal/execenv"
	"github.com/ya-luotao/codex/internal/protocol"
)

// serverNamePattern constrains MCP server names so qualified tool names stay
// inside the model's allowed name alphabet.
var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config is the decoded config.toml plus the resolved data directory.
type Config struct {
	Model          string `toml:"model"`
	ModelFamily    string `toml:"model_family"`
	ModelProvider  string `toml:"model_provider"`
	Effort         string `toml:"model_reasoning_effort"`
	ApprovalPolicy string `toml:"approval_policy"`
	SandboxMode    string `toml:"sandbox_mode"`

	BaseInstructions string `toml:"base_instructions"`
	DataDir          string `toml:"data_dir"`

	SandboxWorkspaceWrite WorkspaceWriteConfig `toml:"sandbox_workspace_write"`

	ShellEnvironmentPolicy execenv.Policy `toml:"shell_environment_policy"`

	McpServers map[string]McpServerConfig `toml:"mcp_servers"`

	ModelProviders map[string]ProviderConfig `toml:"model_providers"`
}

// WorkspaceWriteConfig holds the workspace-write sandbox parameters.
type WorkspaceWriteConfig struct {
	WritableRoots       []string `toml:"writable_roots"`
	NetworkAccess       bool     `toml:"network_access"`
	ExcludeTmpdirEnvVar bool     `toml:"exclude_tmpdir_env_var"`
	ExcludeSlashTmp     bool     `toml:"exclude_slash_tmp"`
}

// ProviderConfig describes one model provider endpoint.
type ProviderConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
	EnvKey  string `toml:"env_key"`
	// WireAPI selects the request/response dialect: "responses" (default) or
	// "chat" for Chat Completions providers.
	WireAPI string `toml:"wire_api"`
	// QueryParams are appended to the request URL (Azure's api-version).
	QueryParams map[string]string `toml:"query_params"`

	StreamIdleTimeoutMs int64 `toml:"stream_idle_timeout_ms"`
	RequestMaxRetries   *int  `toml:"request_max_retries"`
	StreamMaxRetries    *int  `toml:"stream_max_retries"`
}

// IsAzure reports whether the provider speaks the Azure flavor of the
// Responses API, which needs store:true and inline item IDs.
func (p ProviderConfig) IsAzure() bool {
	_, ok := p.QueryParams["api-version"]
	return ok
}

// StreamIdleTimeout returns the SSE idle watchdog duration.
func (p ProviderConfig) StreamIdleTimeout() time.Duration {
	if p.StreamIdleTimeoutMs > 0 {
		return time.Duration(p.StreamIdleTimeoutMs) * time.Millisecond
	}
	return 300 * time.Second
}

// McpServerConfig configures one external tool server.
type McpServerConfig struct {
	// Stdio transport.
	Command string            `toml:"command"`
	Args    []string          `toml:"args"`
	Env     map[string]string `toml:"env"`
	Cwd     string            `toml:"cwd"`

	// Streamable HTTP transport.
	URL string `toml:"url"`
	// BearerTokenEnvVar names the environment (or .env) variable holding the
	// bearer token for HTTP servers.
	BearerTokenEnvVar string `toml:"bearer_token_env_var"`

	Enabled           *bool    `toml:"enabled"`
	StartupTimeoutSec *int     `toml:"startup_timeout_sec"`
	ToolTimeoutSec    *int     `toml:"tool_timeout_sec"`
	EnabledTools      []string `toml:"enabled_tools"`
	DisabledTools     []string `toml:"disabled_tools"`
}

// IsStdio reports whether the server uses the stdio transport.
func (c McpServerConfig) IsStdio() bool { return c.Command != "" }

// IsEnabled reports whether the server should be started (default true).
func (c McpServerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// StartupTimeout returns the initialize/list-tools deadline.
func (c McpServerConfig) StartupTimeout() time.Duration {
	if c.StartupTimeoutSec != nil {
		return time.Duration(*c.StartupTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// ToolTimeout returns the per-call deadline.
func (c McpServerConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutSec != nil {
		return time.Duration(*c.ToolTimeoutSec) * time.Second
	}
	return 60 * time.Second
}

// DefaultDataDir resolves the data directory: $CODEX_HOME, else ~/.codex.
func DefaultDataDir() string {
	if dir := os.Getenv("CODEX_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codex"
	}
	return filepath.Join(home, ".codex")
}

// Load reads config.toml from dataDir, applying defaults for anything unset.
// A missing config file yields the defaults.
func Load(dataDir string) (*Config, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}

	cfg := &Config{
		Model:          "gpt-5.1-codex",
		ModelProvider:  "openai",
		ApprovalPolicy: string(protocol.ApprovalOnRequest),
		SandboxMode:    string(protocol.SandboxReadOnly),
		DataDir:        dataDir,
	}

	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}

	for name := range cfg.McpServers {
		if !serverNamePattern.MatchString(name) {
			return nil, fmt.Errorf("config: invalid MCP server name %q: must match [A-Za-z0-9_-]+", name)
		}
	}

	if _, err := protocol.ParseAskForApproval(cfg.ApprovalPolicy); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.ResolveSandboxPolicy(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveSandboxPolicy builds the protocol sandbox policy from config fields.
func (c *Config) ResolveSandboxPolicy() (protocol.SandboxPolicy, error) {
	switch protocol.SandboxMode(c.SandboxMode) {
	case protocol.SandboxDangerFullAccess:
		return protocol.SandboxPolicy{Mode: protocol.SandboxDangerFullAccess}, nil
	case protocol.SandboxReadOnly, "":
		return protocol.NewReadOnlyPolicy(), nil
	case protocol.SandboxWorkspaceWrite:
		ww := c.SandboxWorkspaceWrite
		return protocol.SandboxPolicy{
			Mode:                protocol.SandboxWorkspaceWrite,
			WritableRoots:       ww.WritableRoots,
			NetworkAccess:       ww.NetworkAccess,
			ExcludeTmpdirEnvVar: ww.ExcludeTmpdirEnvVar,
			ExcludeSlashTmp:     ww.ExcludeSlashTmp,
		}, nil
	}
	return protocol.SandboxPolicy{}, fmt.Errorf("config: invalid sandbox_mode %q", c.SandboxMode)
}

// SessionsDir returns the rollout-log directory.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir, "sessions") }

// AuthFile returns the credential-store path.
func (c *Config) AuthFile() string { return filepath.Join(c.DataDir, "auth.json") }

// PromptsDir returns the custom-prompt directory.
func (c *Config) PromptsDir() string { return filepath.Join(c.DataDir, "prompts") }

// TracesDir returns the telemetry trace-file directory.
func (c *Config) TracesDir() string { return filepath.Join(c.DataDir, "traces") }

// EnvFile returns the .env override path.
func (c *Config) EnvFile() string { return filepath.Join(c.DataDir, ".env") }

// Provider resolves the active provider config, falling back to the built-in
// OpenAI entry.
func (c *Config) Provider() ProviderConfig {
	if p, ok := c.ModelProviders[c.ModelProvider]; ok {
		if p.BaseURL == "" {
			p.BaseURL = "https://api.openai.com/v1"
		}
		return p
	}
	return ProviderConfig{
		Name:    "openai",
		BaseURL: "https://api.openai.com/v1",
		EnvKey:  "OPENAI_API_KEY",
		WireAPI: "responses",
	}
}
