// Package command_safety classifies shell commands as known-safe (read-only,
// eligible for auto-approval), potentially dangerous, or unknown.
package command_safety

import (
	"path/filepath"
	"strings"
)

// ParseShellScriptCommands unwraps ["bash"|"zsh"|"sh", "-c"|"-lc", script]
// and splits the script into its plain commands. Returns nil unless the
// script consists solely of word-only commands joined by the safe operators
// (&&, ||, ;, |). Redirections, subshells, expansions, substitutions,
// assignments, and background jobs all reject the script.
func ParseShellScriptCommands(command []string) [][]string {
	script := extractShellScript(command)
	if script == "" {
		return nil
	}
	p := &scriptParser{src: script}
	return p.parse()
}

func extractShellScript(command []string) string {
	if len(command) != 3 {
		return ""
	}
	if command[1] != "-lc" && command[1] != "-c" {
		return ""
	}
	switch filepath.Base(command[0]) {
	case "bash", "zsh", "sh":
		return command[2]
	}
	return ""
}

// scriptParser is a single-pass scanner over the script text. Anything it
// does not positively recognize as safe makes the whole parse fail.
type scriptParser struct {
	src string
	pos int
}

func (p *scriptParser) parse() [][]string {
	var commands [][]string
	var words []string
	expectCommand := false // set right after an operator

	for p.pos < len(p.src) {
		p.skipSpace()
		if p.pos >= len(p.src) {
			break
		}

		switch ch := p.src[p.pos]; {
		case ch == '#':
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}

		case ch == '>' || ch == '<' || ch == '(' || ch == ')' || ch == '`' || ch == '$':
			return nil

		case ch == '&':
			if p.pos+1 >= len(p.src) || p.src[p.pos+1] != '&' {
				return nil // background job
			}
			if len(words) == 0 {
				return nil
			}
			commands = append(commands, words)
			words = nil
			expectCommand = true
			p.pos += 2

		case ch == '|':
			if len(words) == 0 {
				return nil
			}
			commands = append(commands, words)
			words = nil
			expectCommand = true
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '|' {
				p.pos += 2
			} else {
				p.pos++
			}

		case ch == ';':
			if len(words) == 0 {
				return nil
			}
			commands = append(commands, words)
			words = nil
			expectCommand = true
			p.pos++

		default:
			word, ok := p.parseWord()
			if !ok {
				return nil
			}
			// FOO=bar at command position is a variable assignment.
			if len(words) == 0 && strings.Contains(word, "=") {
				return nil
			}
			words = append(words, word)
			expectCommand = false
		}
	}

	if expectCommand {
		return nil // trailing operator
	}
	if len(words) > 0 {
		commands = append(commands, words)
	}
	if len(commands) == 0 {
		return nil
	}
	return commands
}

// parseWord consumes one word: a plain token, a quoted string, or a
// concatenation of both (-g"*.py").
func (p *scriptParser) parseWord() (string, bool) {
	var b strings.Builder
	gotAny := false

	for p.pos < len(p.src) {
		switch ch := p.src[p.pos]; {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r',
			ch == '&' || ch == '|' || ch == ';' || ch == '#':
			goto done

		case ch == '>' || ch == '<' || ch == '(' || ch == ')' || ch == '`' || ch == '$':
			return "", false

		case ch == '=' && !gotAny:
			return "", false

		case ch == '\'':
			s, ok := p.parseQuoted('\'', false)
			if !ok {
				return "", false
			}
			b.WriteString(s)
			gotAny = true

		case ch == '"':
			s, ok := p.parseQuoted('"', true)
			if !ok {
				return "", false
			}
			b.WriteString(s)
			gotAny = true

		default:
			b.WriteByte(ch)
			p.pos++
			gotAny = true
		}
	}

done:
	if !gotAny {
		return "", false
	}
	return b.String(), true
}

// parseQuoted consumes a quoted span. Double quotes additionally reject $
// and ` inside (no expansion allowed).
func (p *scriptParser) parseQuoted(quote byte, rejectExpansion bool) (string, bool) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if ch == quote {
			p.pos++
			return b.String(), true
		}
		if rejectExpansion && (ch == '$' || ch == '`') {
			return "", false
		}
		b.WriteByte(ch)
		p.pos++
	}
	return "", false // unterminated
}

func (p *scriptParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}
