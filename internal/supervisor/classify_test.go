package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChunk_UTF8Passthrough(t *testing.T) {
	got := NormalizeChunk([]byte("hello\nworld"))
	assert.Equal(t, "hello\nworld", got)
}

func TestNormalizeChunk_BareCRToLF(t *testing.T) {
	got := NormalizeChunk([]byte("a\rb\r\nc"))
	assert.Equal(t, "a\nb\r\nc", got)
}

func TestNormalizeChunk_StripsNulBytes(t *testing.T) {
	got := NormalizeChunk([]byte("ab\x00cd"))
	assert.Equal(t, "abcd", got)
}

func TestNormalizeChunk_UTF16LEDecode(t *testing.T) {
	// "hi" encoded as UTF-16LE has a NUL byte after every ASCII code unit,
	// well over the 0.25 NUL-ratio threshold.
	raw := []byte{'h', 0, 'i', 0}
	got := NormalizeChunk(raw)
	assert.Equal(t, "hi", got)
}

func TestClassifyExit_Quota(t *testing.T) {
	kind, _, resume := ClassifyExit("Error: rate limit exceeded, resume_at=1700000000", nil, false)
	assert.Equal(t, FailureQuota, kind)
	require.NotNil(t, resume)
}

func TestClassifyExit_Auth(t *testing.T) {
	kind, _, _ := ClassifyExit("401 unauthorized: invalid api key", nil, false)
	assert.Equal(t, FailureAuth, kind)
}

func TestClassifyExit_Network(t *testing.T) {
	kind, _, _ := ClassifyExit("dial tcp: connection refused", nil, false)
	assert.Equal(t, FailureNetwork, kind)
}

func TestClassifyExit_FallsBackToExecutionError(t *testing.T) {
	kind, _, _ := ClassifyExit("panic: nil pointer dereference", nil, false)
	assert.Equal(t, FailureExecution, kind)
}

func TestParseFinalPayload(t *testing.T) {
	output := "some output\nAGENT_RUNNER_SUMMARY_START\nfixed the bug\nAGENT_RUNNER_SUMMARY_END\nAGENT_RUNNER_STATUS: done\n"
	status, summary, cleaned := ParseFinalPayload(output)
	assert.Equal(t, "done", status)
	assert.Equal(t, "fixed the bug", summary)
	assert.NotContains(t, cleaned, "AGENT_RUNNER_STATUS")
}
