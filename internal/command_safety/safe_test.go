package command_safety

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKnownSafeExamples(t *testing.T) {
	assert.True(t, IsKnownSafeCommand([]string{"ls"}))
	assert.True(t, IsKnownSafeCommand([]string{"cat", "go.mod"}))
	assert.True(t, IsKnownSafeCommand([]string{"git", "status"}))
	assert.True(t, IsKnownSafeCommand([]string{"git", "branch"}))
	assert.True(t, IsKnownSafeCommand([]string{"git", "branch", "--show-current"}))
	assert.True(t, IsKnownSafeCommand([]string{"base64"}))
	assert.True(t, IsKnownSafeCommand([]string{"sed", "-n", "1,5p", "file.txt"}))
	assert.True(t, IsKnownSafeCommand([]string{"nl", "-nrz", "go.sum"}))
	assert.True(t, IsKnownSafeCommand([]string{"find", ".", "-name", "file.txt"}))
	assert.True(t, IsKnownSafeCommand([]string{"numfmt", "1000"}))
	assert.True(t, IsKnownSafeCommand([]string{"tac", "notes.txt"}))
}

func TestGitBranchMutatingFlagsAreNotSafe(t *testing.T) {
	assert.False(t, IsKnownSafeCommand([]string{"git", "branch", "-d", "feature"}))
	assert.False(t, IsKnownSafeCommand([]string{"git", "branch", "new-branch"}))
}

func TestGitFirstPositionalIsTheSubcommand(t *testing.T) {
	// Later positional args (like branch names) must not be treated as
	// subcommands.
	assert.False(t, IsKnownSafeCommand([]string{"git", "checkout", "status"}))
}

func TestGitOutputAndConfigOverrideFlagsAreNotSafe(t *testing.T) {
	assert.False(t, IsKnownSafeCommand([]string{"git", "log", "--output=/tmp/out", "-n", "1"}))
	assert.False(t, IsKnownSafeCommand([]string{"git", "diff", "--output", "/tmp/out"}))
	assert.False(t, IsKnownSafeCommand([]string{"git", "-c", "core.pager=cat", "log", "-n", "1"}))
	assert.False(t, IsKnownSafeCommand([]string{"git", "-ccore.pager=cat", "status"}))
}

func TestUnknownCommandsAreNotSafe(t *testing.T) {
	assert.False(t, IsKnownSafeCommand([]string{"cargo", "check"}))
	assert.False(t, IsKnownSafeCommand([]string{"foo"}))
	assert.False(t, IsKnownSafeCommand(nil))
}

func TestShellWrappedSequences(t *testing.T) {
	assert.True(t, IsKnownSafeCommand([]string{"bash", "-lc", "ls && pwd"}))
	assert.True(t, IsKnownSafeCommand([]string{"zsh", "-lc", "ls"}))
	assert.True(t, IsKnownSafeCommand([]string{"sh", "-c", "grep -r foo . | wc -l"}))
	assert.False(t, IsKnownSafeCommand([]string{"bash", "-lc", "ls && rm -rf /"}))
	assert.False(t, IsKnownSafeCommand([]string{"bash", "-lc", "ls > out.txt"}))
	assert.False(t, IsKnownSafeCommand([]string{"bash", "-lc", "git -C . branch -d feature"}))
}

func TestFindUnsafeOptions(t *testing.T) {
	assert.False(t, IsKnownSafeCommand([]string{"find", ".", "-delete"}))
	assert.False(t, IsKnownSafeCommand([]string{"find", ".", "-exec", "rm", "{}", ";"}))
}

func TestRgUnsafeOptions(t *testing.T) {
	assert.True(t, IsKnownSafeCommand([]string{"rg", "pattern", "."}))
	assert.False(t, IsKnownSafeCommand([]string{"rg", "--pre", "cat", "pattern"}))
	assert.False(t, IsKnownSafeCommand([]string{"rg", "-z", "pattern"}))
}

func TestSedOnlyPrintRangesAreSafe(t *testing.T) {
	assert.True(t, IsKnownSafeCommand([]string{"sed", "-n", "10p", "f"}))
	assert.True(t, IsKnownSafeCommand([]string{"sed", "-n", "5,10p", "f"}))
	assert.False(t, IsKnownSafeCommand([]string{"sed", "-i", "s/a/b/", "f"}))
	assert.False(t, IsKnownSafeCommand([]string{"sed", "-n", "p;d", "f"}))
}

func TestBase64OutputFlagIsNotSafe(t *testing.T) {
	assert.False(t, IsKnownSafeCommand([]string{"base64", "-o", "out.bin"}))
	assert.False(t, IsKnownSafeCommand([]string{"base64", "--output=out.bin"}))
}
