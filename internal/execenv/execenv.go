// Package execenv derives the environment map handed to spawned tool
// processes from the configured shell-environment policy.
package execenv

import (
	"os"
	"path"
	"sort"
	"strings"
)

// Inherit selects the starting variable set.
type Inherit string

const (
	// InheritCore keeps only a small set of platform essentials (default).
	InheritCore Inherit = "core"
	// InheritAll starts from the full parent environment.
	InheritAll Inherit = "all"
	// InheritNone starts empty.
	InheritNone Inherit = "none"
)

// coreVars are the variables InheritCore keeps.
var coreVars = map[string]bool{
	"HOME":     true,
	"LOGNAME":  true,
	"PATH":     true,
	"SHELL":    true,
	"USER":     true,
	"USERNAME": true,
	"TMPDIR":   true,
	"TEMP":     true,
	"TMP":      true,
}

// defaultExcludePatterns drop credential-looking variables unless the policy
// opts out.
var defaultExcludePatterns = []string{"*KEY*", "*SECRET*", "*TOKEN*"}

// Policy filters the environment passed to child processes. Derivation:
// start from the Inherit set, drop default excludes (unless ignored), drop
// Exclude matches, insert Set overrides, then keep only IncludeOnly matches
// when that list is non-empty.
type Policy struct {
	Inherit               Inherit           `json:"inherit,omitempty" toml:"inherit"`
	IgnoreDefaultExcludes bool              `json:"ignore_default_excludes,omitempty" toml:"ignore_default_excludes"`
	Exclude               []string          `json:"exclude,omitempty" toml:"exclude"`
	Set                   map[string]string `json:"set,omitempty" toml:"set"`
	IncludeOnly           []string          `json:"include_only,omitempty" toml:"include_only"`
}

// Create builds the filtered environment from the current process environment.
func Create(p *Policy) map[string]string {
	parent := make(map[string]string, 64)
	for _, entry := range os.Environ() {
		if k, v, ok := strings.Cut(entry, "="); ok {
			parent[k] = v
		}
	}
	return CreateFrom(parent, p)
}

// CreateFrom builds the filtered environment from an explicit parent set.
func CreateFrom(parent map[string]string, p *Policy) map[string]string {
	if p == nil {
		p = &Policy{}
	}

	env := make(map[string]string, len(parent))
	switch p.Inherit {
	case InheritAll:
		for k, v := range parent {
			env[k] = v
		}
	case InheritNone:
	default: // InheritCore
		for k, v := range parent {
			if coreVars[k] {
				env[k] = v
			}
		}
	}

	if !p.IgnoreDefaultExcludes {
		dropMatching(env, defaultExcludePatterns)
	}
	dropMatching(env, p.Exclude)

	for k, v := range p.Set {
		env[k] = v
	}

	if len(p.IncludeOnly) > 0 {
		for k := range env {
			if !matchesAny(k, p.IncludeOnly) {
				delete(env, k)
			}
		}
	}

	return env
}

func dropMatching(env map[string]string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	for k := range env {
		if matchesAny(k, patterns) {
			delete(env, k)
		}
	}
}

// matchesAny does case-insensitive glob matching; env names contain no path
// separators, so path.Match's * and ? behave as plain wildcards.
func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, pat := range patterns {
		if ok, err := path.Match(strings.ToLower(pat), lower); err == nil && ok {
			return true
		}
	}
	return false
}

// ToSlice renders the map as KEY=VALUE pairs in sorted order, suitable for
// exec.Cmd.Env.
func ToSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
