package exec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateUnderCapConcatenates(t *testing.T) {
	out := aggregate([]byte("out"), []byte("err"))
	assert.Equal(t, []byte("outerr"), out)
}

func TestAggregateUnderContentionFavorsStderr(t *testing.T) {
	stdout := bytes.Repeat([]byte("o"), MaxOutputBytes)
	stderr := bytes.Repeat([]byte("e"), MaxOutputBytes)

	out := aggregate(stdout, stderr)
	assert.Len(t, out, MaxOutputBytes)

	stdoutKept := bytes.Count(out, []byte("o"))
	stderrKept := bytes.Count(out, []byte("e"))
	assert.Equal(t, MaxOutputBytes/3, stdoutKept)
	assert.Equal(t, MaxOutputBytes-MaxOutputBytes/3, stderrKept)
}

func TestAggregateRebalancesUnusedStderrCapacity(t *testing.T) {
	stdout := bytes.Repeat([]byte("o"), MaxOutputBytes)
	stderr := []byte("tiny")

	out := aggregate(stdout, stderr)
	assert.Len(t, out, MaxOutputBytes)
	assert.Equal(t, MaxOutputBytes-len(stderr), bytes.Count(out, []byte("o")))
}

func TestTruncateMiddleKeepsHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 500) + "MIDDLE" + strings.Repeat("z", 500)
	out := truncateMiddle(s, 200)

	assert.LessOrEqual(t, len(out), 200)
	assert.True(t, strings.HasPrefix(out, "a"))
	assert.True(t, strings.HasSuffix(out, "z"))
	assert.Contains(t, out, "[... omitted")
	assert.NotContains(t, out, "MIDDLE")
}

func TestTruncateMiddleNoopWhenSmall(t *testing.T) {
	assert.Equal(t, "short", truncateMiddle("short", 200))
}

func TestCapBuffer(t *testing.T) {
	buf := capBuffer(nil, bytes.Repeat([]byte("x"), MaxOutputBytes))
	assert.Len(t, buf, MaxOutputBytes)
	buf = capBuffer(buf, []byte("overflow"))
	assert.Len(t, buf, MaxOutputBytes)
}
