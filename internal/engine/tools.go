package engine

import (
	"encoding/json"
	"fmt"
)

// Built-in tool names.
const (
	toolShell      = "shell"
	toolApplyPatch = "apply_patch"
	toolUpdatePlan = "update_plan"
	toolWebSearch  = "web_search"
)

// functionSpec is the Responses-API tool definition shape.
type functionSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

func mustSpec(spec any) json.RawMessage {
	body, err := json.Marshal(spec)
	if err != nil {
		panic(fmt.Sprintf("tool spec marshal: %v", err))
	}
	return body
}

func shellToolSpec() json.RawMessage {
	return mustSpec(functionSpec{
		Type: "function",
		Name: toolShell,
		Description: "Runs a shell command and returns its output. " +
			"Set workdir when the command must run outside the session working directory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "The command and its arguments, exec style.",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory for the command.",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit in milliseconds.",
				},
				"with_escalated_permissions": map[string]any{
					"type":        "boolean",
					"description": "Request to run outside the sandbox. Requires justification.",
				},
				"justification": map[string]any{
					"type":        "string",
					"description": "One sentence explaining why escalation is needed.",
				},
			},
			"required": []string{"command"},
		},
	})
}

func applyPatchToolSpec() json.RawMessage {
	return mustSpec(functionSpec{
		Type: "function",
		Name: toolApplyPatch,
		Description: "Edits files. The input is a patch script starting with " +
			"*** Begin Patch and ending with *** End Patch, containing Add File, " +
			"Delete File, and Update File operations; a unified diff is also accepted.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{
					"type":        "string",
					"description": "The patch to apply.",
				},
			},
			"required": []string{"input"},
		},
	})
}

func updatePlanToolSpec() json.RawMessage {
	return mustSpec(functionSpec{
		Type: "function",
		Name: toolUpdatePlan,
		Description: "Updates the visible task plan. Provide the full list of steps " +
			"with one of them in_progress at a time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"explanation": map[string]any{"type": "string"},
				"plan": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"step":   map[string]any{"type": "string"},
							"status": map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
						},
						"required": []string{"step", "status"},
					},
				},
			},
			"required": []string{"plan"},
		},
	})
}

// webSearchToolSpec is the provider-native web-search toggle; the provider
// executes it server-side and streams web_search_call items back.
func webSearchToolSpec() json.RawMessage {
	return mustSpec(map[string]any{"type": "web_search"})
}

// mcpToolSpecs converts each aggregated MCP tool into a function definition
// under its fully-qualified name.
func (s *Session) mcpToolSpecs() []json.RawMessage {
	if s.mcp == nil {
		return nil
	}
	tools := s.mcp.Tools()
	specs := make([]json.RawMessage, 0, len(tools))
	for qualified, entry := range tools {
		spec := functionSpec{
			Type:       "function",
			Name:       qualified,
			Parameters: map[string]any{"type": "object"},
		}
		if entry.Tool != nil {
			spec.Description = entry.Tool.Description
			if entry.Tool.InputSchema != nil {
				if schema, err := json.Marshal(entry.Tool.InputSchema); err == nil {
					var m map[string]any
					if json.Unmarshal(schema, &m) == nil {
						spec.Parameters = m
					}
				}
			}
		}
		specs = append(specs, mustSpec(spec))
	}
	return specs
}

// toolSpecs assembles the catalog for one request.
func (s *Session) toolSpecs() []json.RawMessage {
	specs := []json.RawMessage{
		shellToolSpec(),
		applyPatchToolSpec(),
		updatePlanToolSpec(),
	}
	if s.webSearchEnabled {
		specs = append(specs, webSearchToolSpec())
	}
	specs = append(specs, s.mcpToolSpecs()...)
	return specs
}
