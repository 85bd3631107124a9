package supervisor

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FailureKind is the Supervisor's own exit classification, feeding the
// broader error taxonomy's subprocess_* and quota kinds.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureQuota      FailureKind = "quota"
	FailureAuth       FailureKind = "auth"
	FailureNetwork    FailureKind = "network"
	FailureNeedsUser  FailureKind = "needs_user_reply"
	FailureExecution  FailureKind = "execution_error"
	FailureTimeout    FailureKind = "timed out"
)

var (
	quotaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate limit`),
		regexp.MustCompile(`(?i)quota`),
		regexp.MustCompile(`\b429\b`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)insufficient credits`),
		regexp.MustCompile(`(?i)usage limit`),
		regexp.MustCompile(`RetryableQuotaError`),
		regexp.MustCompile(`MODEL_CAPACITY_EXHAUSTED`),
		regexp.MustCompile(`(?i)No capacity available for model\s+\S+`),
	}
	authPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unauthorized`),
		regexp.MustCompile(`(?i)authentication failed`),
		regexp.MustCompile(`\b401\b`),
		regexp.MustCompile(`(?i)invalid api key`),
	}
	networkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)connection refused`),
		regexp.MustCompile(`(?i)timeout`),
		regexp.MustCompile(`(?i)no such host`),
		regexp.MustCompile(`(?i)network is unreachable`),
	}
	resumeHintPattern = regexp.MustCompile(`(?i)resume[ _-]?at[:=]\s*([0-9TZ:+\-]+)`)

	statusLinePattern  = regexp.MustCompile(`(?m)^AGENT_RUNNER_STATUS:\s*(done|needs_user_reply)\s*$`)
	summaryStartMarker = "AGENT_RUNNER_SUMMARY_START"
	summaryEndMarker   = "AGENT_RUNNER_SUMMARY_END"
)

// Outcome is the Supervisor's full return value for one subprocess run.
type Outcome struct {
	Success        bool
	ExitCode       int
	LogPath        string
	FailureKind    FailureKind
	FailureStage   string
	FailureDetail  string
	QuotaResumeAt  *time.Time
	SessionToken   string
	Summary        string
	Status         string // "done" | "needs_user_reply" | ""
}

// ClassifyExit scans the tail of captured output (and an explicit exit
// error, if any) to determine FailureKind, per the ordered-regex-family
// classification: quota/rate-limit first, then auth, then network, then
// an explicit "needs user" status line, falling back to execution_error.
func ClassifyExit(output string, exitErr error, timedOut bool) (FailureKind, string, *time.Time) {
	if timedOut {
		return FailureTimeout, output, nil
	}

	tail := tailOf(output, 8000)

	if matchAny(tail, quotaPatterns) {
		return FailureQuota, tail, parseResumeHint(tail)
	}
	if matchAny(tail, authPatterns) {
		return FailureAuth, tail, nil
	}
	if matchAny(tail, networkPatterns) {
		return FailureNetwork, tail, nil
	}
	if statusLinePattern.FindStringSubmatch(output) != nil {
		m := statusLinePattern.FindStringSubmatch(output)
		if m[1] == "needs_user_reply" {
			return FailureNeedsUser, tail, nil
		}
	}
	return FailureExecution, tail, nil
}

func matchAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func parseResumeHint(s string) *time.Time {
	m := resumeHintPattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
		return &t
	}
	if unix, err := strconv.ParseInt(m[1], 10, 64); err == nil {
		t := time.Unix(unix, 0).UTC()
		return &t
	}
	return nil
}

// ParseFinalPayload extracts the status line and bracketed summary block
// from the subprocess's final output, returning the response text with
// the status line stripped.
func ParseFinalPayload(output string) (status, summary, cleaned string) {
	if m := statusLinePattern.FindStringSubmatch(output); m != nil {
		status = m[1]
	}
	cleaned = statusLinePattern.ReplaceAllString(output, "")

	if start := strings.Index(output, summaryStartMarker); start >= 0 {
		rest := output[start+len(summaryStartMarker):]
		if end := strings.Index(rest, summaryEndMarker); end >= 0 {
			summary = strings.TrimSpace(rest[:end])
		}
	}
	return strings.TrimSpace(status), summary, strings.TrimSpace(cleaned)
}
