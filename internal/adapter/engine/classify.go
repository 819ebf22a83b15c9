package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/agent-runner/internal/domain"
)

// Final-payload markers emitted by the agent wrapper prompt.
const (
	markerStatus       = "AGENT_RUNNER_STATUS:"
	markerSummaryStart = "AGENT_RUNNER_SUMMARY_START"
	markerSummaryEnd   = "AGENT_RUNNER_SUMMARY_END"
	markerSession      = "AGENT_RUNNER_SESSION:"
)

// Payload is the structured trailer parsed from the run's output tail.
type Payload struct {
	Status       domain.RunStatus
	Summary      string
	SessionToken string
}

// ParsePayload scans the output tail for the status line, the bracketed
// summary block and the session line. Later occurrences win.
func ParsePayload(tail string) Payload {
	var p Payload
	lines := strings.Split(tail, "\n")
	inSummary := false
	var summary []string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case strings.Contains(line, markerSummaryStart):
			inSummary = true
			summary = summary[:0]
		case strings.Contains(line, markerSummaryEnd):
			if inSummary {
				p.Summary = strings.TrimSpace(strings.Join(summary, "\n"))
			}
			inSummary = false
		case inSummary:
			summary = append(summary, raw)
		case strings.HasPrefix(line, markerStatus):
			v := strings.TrimSpace(strings.TrimPrefix(line, markerStatus))
			switch v {
			case string(domain.StatusDone):
				p.Status = domain.StatusDone
			case string(domain.StatusNeedsUserReply):
				p.Status = domain.StatusNeedsUserReply
			}
		case strings.HasPrefix(line, markerSession):
			if tok := strings.TrimSpace(strings.TrimPrefix(line, markerSession)); tok != "" {
				p.SessionToken = tok
			}
		}
	}
	return p
}

// Classification regex families, evaluated in order. The first family with a
// match decides the failure kind.
var (
	quotaPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate limit`),
		regexp.MustCompile(`(?i)quota`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)insufficient credits`),
		regexp.MustCompile(`(?i)usage limit`),
		regexp.MustCompile(`RetryableQuotaError`),
		regexp.MustCompile(`MODEL_CAPACITY_EXHAUSTED`),
		regexp.MustCompile(`No capacity available for model \S+`),
		regexp.MustCompile(`(?i)\b429\b`),
	}
	authPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unauthorized`),
		regexp.MustCompile(`(?i)authentication (failed|required|error)`),
		regexp.MustCompile(`(?i)invalid (api[ -]?key|token|credentials)`),
		regexp.MustCompile(`(?i)token (expired|revoked)`),
		regexp.MustCompile(`(?i)not logged in`),
		regexp.MustCompile(`(?i)\b401\b|\b403\b`),
	}
	networkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)connection (refused|reset|closed|timed out)`),
		regexp.MustCompile(`(?i)network (error|unreachable|is unreachable)`),
		regexp.MustCompile(`(?i)no such host`),
		regexp.MustCompile(`(?i)dial tcp`),
		regexp.MustCompile(`(?i)tls handshake`),
		regexp.MustCompile(`(?i)dns (error|failure|resolution)`),
		regexp.MustCompile(`(?i)\b502\b|\b503\b|\b504\b`),
		regexp.MustCompile(`ETIMEDOUT|ECONNRESET|ECONNREFUSED`),
	}
)

// Classify scans the output tail and decides the failure kind for a non-zero
// exit. An explicit needs-user-reply status line overrides only when neither
// quota, auth nor network matched.
func Classify(tail string, payload Payload) (domain.FailureKind, string) {
	for _, re := range quotaPatterns {
		if m := re.FindString(tail); m != "" {
			return domain.FailureQuota, m
		}
	}
	for _, re := range authPatterns {
		if m := re.FindString(tail); m != "" {
			return domain.FailureAuth, m
		}
	}
	for _, re := range networkPatterns {
		if m := re.FindString(tail); m != "" {
			return domain.FailureNetwork, m
		}
	}
	if payload.Status == domain.StatusNeedsUserReply {
		return domain.FailureNeedsUser, "engine requested a user reply"
	}
	return domain.FailureExecution, ""
}

// Resume-hint extraction for quota failures.
var (
	resumeTimestampRE = regexp.MustCompile(`(?i)(?:resume|reset|retry)[^0-9]{0,30}(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))`)
	resumeDurationRE  = regexp.MustCompile(`(?i)(?:try again|retry|resets?) (?:in|after) (\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h)\b`)
)

// ExtractResumeHint parses an explicit resume timestamp or relative delay out
// of quota-failure output. The zero time means no hint was present.
func ExtractResumeHint(tail string, now time.Time) time.Time {
	if m := resumeTimestampRE.FindStringSubmatch(tail); m != nil {
		if t, err := time.Parse(time.RFC3339, m[1]); err == nil {
			return t
		}
	}
	if m := resumeDurationRE.FindStringSubmatch(tail); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}
		}
		var unit time.Duration
		switch strings.ToLower(m[2])[0] {
		case 's':
			unit = time.Second
		case 'm':
			unit = time.Minute
		case 'h':
			unit = time.Hour
		}
		return now.Add(time.Duration(n) * unit)
	}
	return time.Time{}
}
