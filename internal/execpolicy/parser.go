package execpolicy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
)

// ParseError reports an unparseable policy file.
type ParseError struct {
	File    string
	Message string
	Cause   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.File, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Parse evaluates one Starlark policy source. The file declares rules by
// calling the prefix_rule builtin:
//
//	prefix_rule(pattern = ["git", ["push", "fetch"]], decision = "prompt")
func Parse(filename, source string) (*Policy, error) {
	policy := NewPolicy()

	prefixRule := starlark.NewBuiltin("prefix_rule", func(
		_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var (
			patternVal    *starlark.List
			decisionStr   string
			justification string
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"pattern", &patternVal,
			"decision?", &decisionStr,
			"justification?", &justification,
		); err != nil {
			return nil, err
		}
		if decisionStr == "" {
			decisionStr = "allow"
		}
		decision, err := ParseDecision(decisionStr)
		if err != nil {
			return nil, err
		}
		pattern, err := patternFromList(patternVal)
		if err != nil {
			return nil, err
		}
		if len(pattern) == 0 {
			return nil, fmt.Errorf("prefix_rule pattern must not be empty")
		}
		policy.addRule(&Rule{pattern: pattern, Decision: decision, Justification: justification})
		return starlark.None, nil
	})

	thread := &starlark.Thread{Name: filename}
	predeclared := starlark.StringDict{"prefix_rule": prefixRule}
	if _, err := starlark.ExecFile(thread, filename, source, predeclared); err != nil {
		return nil, &ParseError{File: filename, Message: fmt.Sprintf("starlark error: %v", err), Cause: err}
	}
	return policy, nil
}

// patternFromList converts a Starlark list whose elements are strings
// (literals) or lists of strings (alternative sets).
func patternFromList(list *starlark.List) ([]patternToken, error) {
	pattern := make([]patternToken, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()

	var val starlark.Value
	for iter.Next(&val) {
		switch v := val.(type) {
		case starlark.String:
			if v == "" {
				return nil, fmt.Errorf("pattern token must not be empty")
			}
			pattern = append(pattern, patternToken{literal: string(v)})
		case *starlark.List:
			alts, err := stringsFromList(v)
			if err != nil {
				return nil, err
			}
			if len(alts) == 0 {
				return nil, fmt.Errorf("alternative list must not be empty")
			}
			pattern = append(pattern, patternToken{alts: alts})
		default:
			return nil, fmt.Errorf("pattern element must be a string or list of strings, got %s", val.Type())
		}
	}
	return pattern, nil
}

func stringsFromList(list *starlark.List) ([]string, error) {
	out := make([]string, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()

	var val starlark.Value
	for iter.Next(&val) {
		s, ok := val.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", val.Type())
		}
		if s == "" {
			return nil, fmt.Errorf("alternative must not be empty")
		}
		out = append(out, string(s))
	}
	return out, nil
}

// Load reads every *.policy file under <dataDir>/policies and merges them.
// A missing directory yields an empty policy.
func Load(dataDir string) (*Policy, error) {
	dir := filepath.Join(dataDir, "policies")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPolicy(), nil
		}
		return nil, err
	}

	merged := NewPolicy()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".policy") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, err := Parse(path, string(data))
		if err != nil {
			return nil, err
		}
		merged.Merge(p)
	}
	return merged, nil
}
