// Package instructions assembles the prompt scaffolding around the user's
// input: the base system prompt, the XML-wrapped user-instructions block, and
// the environment-context block rebuilt whenever the turn context changes.
package instructions

import (
	"fmt"
	"strings"

	"github.com/ya-luotao/codex/internal/protocol"
)

// defaultBaseInstructions is the system prompt used when the configuration
// does not override it.
const defaultBaseInstructions = `You are a coding agent running in a terminal-based coding assistant. You are expected to be precise, safe, and helpful.

Your capabilities:

- Receive user prompts and context about the workspace.
- Communicate with the user by streaming responses.
- Run terminal commands via the shell tool and edit files via apply_patch.
- Publish a step-by-step plan via update_plan while working on longer tasks.

# How you work

## Personality

Your default personality and tone is concise, direct, and friendly. You communicate efficiently, always keeping the user clearly informed about ongoing actions without unnecessary detail. Unless explicitly asked, you avoid excessively verbose explanations about your work.

## Task execution

Please keep going until the query is completely resolved before ending your turn and yielding back to the user. Autonomously resolve the query to the best of your ability, using the tools available to you, before coming back to the user. Do NOT guess or make up an answer.

- Fix problems at the root cause rather than applying surface-level patches, when possible.
- Avoid unneeded complexity in your solution.
- Do not attempt to fix unrelated bugs or broken tests. It is not your responsibility to fix them.
- Use apply_patch to edit files: a fenced patch starting with *** Begin Patch and ending with *** End Patch.

## Sandbox and approvals

Commands run inside a sandbox matching the session's sandbox policy. When a command needs permissions the sandbox denies (writing outside the workspace, network access), request escalation via the shell tool's with_escalated_permissions parameter and include a one-line justification.`

// BaseInstructions returns the override when set, else the default prompt.
func BaseInstructions(override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	return defaultBaseInstructions
}

// WrapUserInstructions wraps project docs in the XML envelope injected once
// per session ahead of the first user turn.
func WrapUserInstructions(docs string) string {
	return "<user_instructions>\n\n" + docs + "\n\n</user_instructions>"
}

// EnvironmentContext captures the turn-context fields surfaced to the model.
type EnvironmentContext struct {
	Cwd            string
	ApprovalPolicy protocol.AskForApproval
	SandboxMode    protocol.SandboxMode
	NetworkAccess  bool
	Shell          string
}

// Render produces the XML environment-context block.
func (e EnvironmentContext) Render() string {
	var b strings.Builder
	b.WriteString("<environment_context>\n")
	fmt.Fprintf(&b, "  <cwd>%s</cwd>\n", e.Cwd)
	fmt.Fprintf(&b, "  <approval_policy>%s</approval_policy>\n", e.ApprovalPolicy)
	fmt.Fprintf(&b, "  <sandbox_mode>%s</sandbox_mode>\n", e.SandboxMode)
	network := "restricted"
	if e.NetworkAccess {
		network = "enabled"
	}
	fmt.Fprintf(&b, "  <network_access>%s</network_access>\n", network)
	if e.Shell != "" {
		fmt.Fprintf(&b, "  <shell>%s</shell>\n", e.Shell)
	}
	b.WriteString("</environment_context>")
	return b.String()
}
