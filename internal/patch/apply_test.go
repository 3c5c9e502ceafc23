package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ya-luotao/codex/internal/protocol"
)

func fullAccess() protocol.SandboxPolicy {
	return protocol.SandboxPolicy{Mode: protocol.SandboxDangerFullAccess}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApplyAddFile(t *testing.T) {
	cwd := t.TempDir()
	res, err := Apply("*** Begin Patch\n*** Add File: notes.txt\n+ok\n*** End Patch", Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"notes.txt"}, res.ChangedPaths)
	assert.Equal(t, "ok\n", readFile(t, filepath.Join(cwd, "notes.txt")))
	assert.Contains(t, res.UnifiedDiff, "+ok")
}

func TestApplyUpdateAndMove(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "main.go"), "package main\n\nfunc main() {\n\tprintln(1)\n}\n")

	input := `*** Begin Patch
*** Update File: main.go
*** Move to: app.go
@@ func main() {
-	println(1)
+	println(2)
*** End Patch`
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	_, statErr := os.Stat(filepath.Join(cwd, "main.go"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Contains(t, readFile(t, filepath.Join(cwd, "app.go")), "println(2)")
}

func TestApplyDelete(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "old.txt"), "bye\n")

	res, err := Apply("*** Begin Patch\n*** Delete File: old.txt\n*** End Patch", Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	_, statErr := os.Stat(filepath.Join(cwd, "old.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyConflictIsReportedPerFile(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "a.txt"), "actual content\n")
	writeFile(t, filepath.Join(cwd, "b.txt"), "hello\n")

	input := `*** Begin Patch
*** Update File: a.txt
@@
-content that is not there
+replacement
*** Update File: b.txt
@@
-hello
+goodbye
*** End Patch`
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, []string{"a.txt"}, res.ConflictPaths)
	assert.Equal(t, []string{"b.txt"}, res.ChangedPaths)
	assert.Equal(t, "goodbye\n", readFile(t, filepath.Join(cwd, "b.txt")))
	// The conflicting file is untouched.
	assert.Equal(t, "actual content\n", readFile(t, filepath.Join(cwd, "a.txt")))
}

func TestApplySkipsExistingAddAndMissingUpdate(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "exists.txt"), "x\n")

	input := `*** Begin Patch
*** Add File: exists.txt
+nope
*** Update File: missing.txt
@@
-a
+b
*** End Patch`
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.ElementsMatch(t, []string{"exists.txt", "missing.txt"}, res.SkippedPaths)
	assert.Empty(t, res.ChangedPaths)
}

func TestApplyRefusesPathsOutsideWorktree(t *testing.T) {
	cwd := t.TempDir()
	res, err := Apply("*** Begin Patch\n*** Add File: ../escape.txt\n+x\n*** End Patch", Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Len(t, res.SkippedPaths, 1)
}

func TestApplyEnforcesWritableRoots(t *testing.T) {
	cwd := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cwd, ".git"), 0o755))
	writeFile(t, filepath.Join(cwd, ".git", "config"), "[core]\n")

	policy := protocol.SandboxPolicy{Mode: protocol.SandboxWorkspaceWrite}
	input := `*** Begin Patch
*** Update File: .git/config
@@
-[core]
+[hacked]
*** End Patch`
	res, err := Apply(input, Options{Cwd: cwd, Policy: policy})
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, []string{".git/config"}, res.SkippedPaths)
	assert.Equal(t, "[core]\n", readFile(t, filepath.Join(cwd, ".git", "config")))
}

func TestPreflightMakesNoChanges(t *testing.T) {
	cwd := t.TempDir()
	res, err := Apply("*** Begin Patch\n*** Add File: new.txt\n+x\n*** End Patch", Options{Cwd: cwd, Policy: fullAccess(), Preflight: true})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"new.txt"}, res.ChangedPaths)
	_, statErr := os.Stat(filepath.Join(cwd, "new.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyToleratesWhitespaceDrift(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "w.txt"), "line one   \nline two\n")

	input := `*** Begin Patch
*** Update File: w.txt
@@
-line one
+line 1
*** End Patch`
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "line 1\nline two\n", readFile(t, filepath.Join(cwd, "w.txt")))
}

func TestApplyNormalizesCRLF(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "c.txt"), "alpha\r\nbeta\r\n")

	input := "*** Begin Patch\n*** Update File: c.txt\n@@\n-alpha\n+gamma\n*** End Patch"
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Contains(t, readFile(t, filepath.Join(cwd, "c.txt")), "gamma")
}

func TestApplyUnifiedDiffInput(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "u.txt"), "one\ntwo\nthree\n")

	input := `--- a/u.txt
+++ b/u.txt
@@ -1,3 +1,3 @@
 one
-two
+TWO
 three
`
	res, err := Apply(input, Options{Cwd: cwd, Policy: fullAccess()})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "one\nTWO\nthree\n", readFile(t, filepath.Join(cwd, "u.txt")))
}
