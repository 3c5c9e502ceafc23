package execpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
prefix_rule(pattern = ["git", ["push", "fetch"]], decision = "prompt")
prefix_rule(pattern = ["rm", "-rf"], decision = "forbidden", justification = "refuses recursive deletes")
prefix_rule(pattern = ["ls"])
`

func mustParse(t *testing.T, source string) *Policy {
	t.Helper()
	p, err := Parse("test.policy", source)
	require.NoError(t, err)
	return p
}

func TestParseAndCheck(t *testing.T) {
	p := mustParse(t, samplePolicy)

	eval := p.Check([]string{"ls", "-la"}, nil)
	assert.Equal(t, DecisionAllow, eval.Decision)
	assert.False(t, eval.UsedFallback)

	eval = p.Check([]string{"git", "push", "origin"}, nil)
	assert.Equal(t, DecisionPrompt, eval.Decision)

	eval = p.Check([]string{"git", "fetch"}, nil)
	assert.Equal(t, DecisionPrompt, eval.Decision)

	eval = p.Check([]string{"rm", "-rf", "/"}, nil)
	assert.Equal(t, DecisionForbidden, eval.Decision)
	assert.Equal(t, "refuses recursive deletes", eval.Justification)
}

func TestFallbackWhenNoRuleMatches(t *testing.T) {
	p := mustParse(t, samplePolicy)

	eval := p.Check([]string{"cargo", "build"}, nil)
	assert.Equal(t, DecisionPrompt, eval.Decision)
	assert.True(t, eval.UsedFallback)

	eval = p.Check([]string{"cargo", "build"}, func([]string) Decision { return DecisionAllow })
	assert.Equal(t, DecisionAllow, eval.Decision)
	assert.True(t, eval.UsedFallback)
}

func TestHighestDecisionWinsAcrossSequence(t *testing.T) {
	p := mustParse(t, samplePolicy)
	eval := p.CheckSequence([][]string{{"ls"}, {"git", "push"}}, func([]string) Decision { return DecisionAllow })
	assert.Equal(t, DecisionPrompt, eval.Decision)
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		`prefix_rule(pattern = [])`,
		`prefix_rule(pattern = ["ok"], decision = "sometimes")`,
		`prefix_rule(pattern = [42])`,
		`prefix_rule(pattern = [""])`,
		`not even starlark ===`,
	}
	for _, src := range cases {
		_, err := Parse("bad.policy", src)
		assert.Error(t, err, "source %q", src)
	}
}

func TestLoadMergesPolicyFiles(t *testing.T) {
	dataDir := t.TempDir()
	dir := filepath.Join(dataDir, "policies")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.policy"), []byte(`prefix_rule(pattern = ["ls"])`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.policy"), []byte(`prefix_rule(pattern = ["rm"], decision = "forbidden")`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte(`junk`), 0o644))

	p, err := Load(dataDir)
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, p.Check([]string{"ls"}, nil).Decision)
	assert.Equal(t, DecisionForbidden, p.Check([]string{"rm", "x"}, nil).Decision)
}

func TestLoadMissingDirYieldsEmptyPolicy(t *testing.T) {
	p, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.True(t, p.Empty())
}
