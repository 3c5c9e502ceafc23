package execenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var parent = map[string]string{
	"HOME":           "/home/u",
	"PATH":           "/usr/bin",
	"SHELL":          "/bin/bash",
	"EDITOR":         "vim",
	"AWS_SECRET_KEY": "s3cr3t",
	"GITHUB_TOKEN":   "tok",
	"MY_API_KEY":     "key",
}

func TestDefaultPolicyKeepsCoreOnly(t *testing.T) {
	env := CreateFrom(parent, nil)
	assert.Equal(t, "/home/u", env["HOME"])
	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.NotContains(t, env, "EDITOR")
	assert.NotContains(t, env, "GITHUB_TOKEN")
}

func TestInheritAllFiltersCredentialPatterns(t *testing.T) {
	env := CreateFrom(parent, &Policy{Inherit: InheritAll})
	assert.Contains(t, env, "EDITOR")
	assert.NotContains(t, env, "AWS_SECRET_KEY")
	assert.NotContains(t, env, "GITHUB_TOKEN")
	assert.NotContains(t, env, "MY_API_KEY")
}

func TestIgnoreDefaultExcludesKeepsCredentials(t *testing.T) {
	env := CreateFrom(parent, &Policy{Inherit: InheritAll, IgnoreDefaultExcludes: true})
	assert.Contains(t, env, "GITHUB_TOKEN")
}

func TestInheritNoneStartsEmpty(t *testing.T) {
	env := CreateFrom(parent, &Policy{Inherit: InheritNone})
	assert.Empty(t, env)
}

func TestCustomExcludeAndSet(t *testing.T) {
	env := CreateFrom(parent, &Policy{
		Inherit: InheritAll,
		Exclude: []string{"EDIT*"},
		Set:     map[string]string{"CI": "1"},
	})
	assert.NotContains(t, env, "EDITOR")
	assert.Equal(t, "1", env["CI"])
}

func TestIncludeOnlyAppliesLast(t *testing.T) {
	env := CreateFrom(parent, &Policy{
		Inherit:     InheritAll,
		Set:         map[string]string{"EXTRA": "x"},
		IncludeOnly: []string{"HOME", "PATH"},
	})
	assert.Len(t, env, 2)
	assert.Contains(t, env, "HOME")
	assert.Contains(t, env, "PATH")
}

func TestPatternsAreCaseInsensitive(t *testing.T) {
	env := CreateFrom(map[string]string{"my_secret_thing": "v"}, &Policy{Inherit: InheritAll})
	assert.Empty(t, env)
}

func TestToSliceIsSorted(t *testing.T) {
	out := ToSlice(map[string]string{"B": "2", "A": "1"})
	assert.Equal(t, []string{"A=1", "B=2"}, out)
}
