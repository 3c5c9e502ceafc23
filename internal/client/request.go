package client

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ya-luotao/codex/internal/protocol"
)

// Prompt is the assembled input for one model request.
type Prompt struct {
	Instructions string
	Input        []protocol.ResponseItem
	// Tools are the serialized tool definitions for the request.
	Tools []json.RawMessage

	Model  string
	Effort string // reasoning effort; empty disables reasoning params
	// Summary selects the reasoning-summary verbosity (auto, concise,
	// detailed); only sent when Effort is set.
	Summary string
	// Verbosity is the optional text-verbosity setting.
	Verbosity string
}

// responsesRequest is the wire body for POST {base_url}/responses.
type responsesRequest struct {
	Model             string                  `json:"model"`
	Instructions      string                  `json:"instructions"`
	Input             []protocol.ResponseItem `json:"input"`
	Tools             []json.RawMessage       `json:"tools"`
	ToolChoice        string                  `json:"tool_choice"`
	ParallelToolCalls bool                    `json:"parallel_tool_calls"`
	Stream            bool                    `json:"stream"`
	Reasoning         *reasoningParams        `json:"reasoning,omitempty"`
	Text              *textParams             `json:"text,omitempty"`
	Store             bool                    `json:"store"`
	Include           []string                `json:"include,omitempty"`
	PromptCacheKey    string                  `json:"prompt_cache_key,omitempty"`
}

type reasoningParams struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary,omitempty"`
}

type textParams struct {
	Verbosity string `json:"verbosity,omitempty"`
}

// encryptedReasoningInclude asks the provider to return reasoning payloads
// the engine can replay on later turns without server-side storage.
const encryptedReasoningInclude = "reasoning.encrypted_content"

// buildRequestBody assembles the wire body. Azure-style providers get
// store:true and keep item IDs inline; everyone else runs storeless with IDs
// stripped.
func (c *Client) buildRequestBody(prompt *Prompt) ([]byte, error) {
	req := responsesRequest{
		Model:             prompt.Model,
		Instructions:      prompt.Instructions,
		Input:             prompt.Input,
		Tools:             prompt.Tools,
		ToolChoice:        "auto",
		ParallelToolCalls: false,
		Stream:            true,
		PromptCacheKey:    c.conversationID,
	}
	if req.Tools == nil {
		req.Tools = []json.RawMessage{}
	}
	if prompt.Effort != "" {
		req.Reasoning = &reasoningParams{Effort: prompt.Effort, Summary: prompt.Summary}
		req.Include = []string{encryptedReasoningInclude}
	}
	if prompt.Verbosity != "" {
		req.Text = &textParams{Verbosity: prompt.Verbosity}
	}
	if c.provider.IsAzure() {
		req.Store = true
	} else {
		req.Input = stripItemIDs(req.Input)
	}
	return json.Marshal(req)
}

// stripItemIDs removes item IDs from the whole input array — messages,
// reasoning, and every tool-call flavor alike; providers reject store:false
// requests that carry any inline ID.
func stripItemIDs(items []protocol.ResponseItem) []protocol.ResponseItem {
	out := make([]protocol.ResponseItem, len(items))
	for i, it := range items {
		out[i] = it.WithoutID()
	}
	return out
}

// endpointURL joins the provider base URL with the responses path and any
// configured query parameters (Azure api-version).
func (c *Client) endpointURL() string {
	base := strings.TrimRight(c.provider.BaseURL, "/")
	endpoint := base + "/responses"
	if len(c.provider.QueryParams) == 0 {
		return endpoint
	}
	q := url.Values{}
	for k, v := range c.provider.QueryParams {
		q.Set(k, v)
	}
	return endpoint + "?" + q.Encode()
}
