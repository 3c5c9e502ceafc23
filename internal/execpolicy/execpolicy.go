// Package execpolicy evaluates shell commands against user-supplied Starlark
// rules, classifying each as allow, prompt, or forbidden. The approval gate
// consults the policy before its built-in safe-command list.
package execpolicy

import (
	"fmt"
	"strings"
)

// Decision is one rule outcome. Decisions are ordered allow < prompt <
// forbidden; the highest matching decision wins.
type Decision int

const (
	// DecisionAllow runs the command without asking.
	DecisionAllow Decision = iota
	// DecisionPrompt asks the user first.
	DecisionPrompt
	// DecisionForbidden refuses the command outright.
	DecisionForbidden
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionPrompt:
		return "prompt"
	case DecisionForbidden:
		return "forbidden"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// ParseDecision accepts allow, prompt, or forbidden (case-insensitive).
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(s) {
	case "allow":
		return DecisionAllow, nil
	case "prompt":
		return DecisionPrompt, nil
	case "forbidden":
		return DecisionForbidden, nil
	}
	return DecisionAllow, fmt.Errorf("invalid decision %q: must be allow, prompt, or forbidden", s)
}

// patternToken matches one argv position: either a literal or a set of
// alternatives.
type patternToken struct {
	literal string
	alts    []string
}

func (t patternToken) matches(s string) bool {
	if t.alts == nil {
		return t.literal == s
	}
	for _, alt := range t.alts {
		if alt == s {
			return true
		}
	}
	return false
}

// Rule matches a command prefix and assigns a decision.
type Rule struct {
	pattern       []patternToken
	Decision      Decision
	Justification string
}

// Matches reports whether the rule's pattern is a prefix of cmd.
func (r *Rule) Matches(cmd []string) bool {
	if len(cmd) < len(r.pattern) {
		return false
	}
	for i, tok := range r.pattern {
		if !tok.matches(cmd[i]) {
			return false
		}
	}
	return true
}

// programName is the indexable first literal, empty when the first token is
// an alternative set.
func (r *Rule) programName() string {
	if len(r.pattern) > 0 && r.pattern[0].alts == nil {
		return r.pattern[0].literal
	}
	return ""
}

// Evaluation is the aggregate outcome for one command (or command sequence).
type Evaluation struct {
	Decision      Decision
	Justification string
	// UsedFallback reports that no rule matched and the caller's fallback
	// produced the decision.
	UsedFallback bool
}

// Policy is a set of rules indexed by program name.
type Policy struct {
	rulesByProgram map[string][]*Rule
}

// NewPolicy creates an empty policy.
func NewPolicy() *Policy {
	return &Policy{rulesByProgram: make(map[string][]*Rule)}
}

// Empty reports whether the policy holds no rules.
func (p *Policy) Empty() bool { return len(p.rulesByProgram) == 0 }

func (p *Policy) addRule(r *Rule) {
	name := r.programName()
	p.rulesByProgram[name] = append(p.rulesByProgram[name], r)
}

// Merge folds another policy's rules into this one.
func (p *Policy) Merge(other *Policy) {
	for key, rules := range other.rulesByProgram {
		p.rulesByProgram[key] = append(p.rulesByProgram[key], rules...)
	}
}

// Check evaluates one command. When no rule matches, fallback supplies the
// decision (nil fallback prompts).
func (p *Policy) Check(cmd []string, fallback func([]string) Decision) Evaluation {
	if len(cmd) == 0 {
		return p.fallbackEval(cmd, fallback)
	}

	matched := false
	highest := DecisionAllow
	justification := ""
	for _, key := range []string{cmd[0], ""} {
		for _, r := range p.rulesByProgram[key] {
			if !r.Matches(cmd) {
				continue
			}
			matched = true
			if r.Decision > highest || (r.Decision == highest && justification == "") {
				highest = r.Decision
				justification = r.Justification
			}
		}
	}
	if !matched {
		return p.fallbackEval(cmd, fallback)
	}
	return Evaluation{Decision: highest, Justification: justification}
}

// CheckSequence evaluates a command sequence (a shell script's parts); the
// highest decision across parts wins and fallback applies per part.
func (p *Policy) CheckSequence(cmds [][]string, fallback func([]string) Decision) Evaluation {
	if len(cmds) == 0 {
		return p.fallbackEval(nil, fallback)
	}
	aggregate := Evaluation{Decision: DecisionAllow, UsedFallback: true}
	for _, cmd := range cmds {
		eval := p.Check(cmd, fallback)
		if !eval.UsedFallback {
			aggregate.UsedFallback = false
		}
		if eval.Decision > aggregate.Decision {
			aggregate.Decision = eval.Decision
			aggregate.Justification = eval.Justification
		}
	}
	return aggregate
}

func (p *Policy) fallbackEval(cmd []string, fallback func([]string) Decision) Evaluation {
	d := DecisionPrompt
	if fallback != nil {
		d = fallback(cmd)
	}
	return Evaluation{Decision: d, UsedFallback: true}
}
