package antigravity

import (
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// RateLimitReason classifies a 429/5xx response.
type RateLimitReason int

const (
	RateLimitReasonUnknown RateLimitReason = iota
	RateLimitReasonQuotaExhausted
	RateLimitReasonRateLimitExceeded
	RateLimitReasonServerError
)

const (
	defaultQuotaExhaustedDelay = time.Hour
	defaultRateLimitDelay      = 30 * time.Second
	defaultServerErrorDelay    = 20 * time.Second
	defaultUnknownDelay        = 60 * time.Second
	minRetryDelay              = 2 * time.Second
	jitterFactor               = 0.2
)

// RetryInfo carries the parsed suspension hint from an error response.
type RetryInfo struct {
	Delay  time.Duration
	Reason RateLimitReason
}

// ParseRetryInfo parses the retry delay and reason out of a 429/5xx
// error body. Understands google.rpc.RetryInfo retryDelay and
// ErrorInfo.metadata.quotaResetDelay.
func ParseRetryInfo(statusCode int, body []byte) *RetryInfo {
	if statusCode != 429 && statusCode != 500 && statusCode != 503 && statusCode != 529 {
		return nil
	}

	reason := RateLimitReasonServerError
	if statusCode == 429 {
		reason = parseRateLimitReason(string(body))
	}

	delay := parseRetryDelay(body)
	if delay == 0 {
		delay = defaultDelay(reason)
	}
	if delay < minRetryDelay {
		delay = minRetryDelay
	}

	return &RetryInfo{Delay: delay, Reason: reason}
}

// ApplyJitter spreads a delay by ±20% so suspended backends do not all
// wake at once.
func ApplyJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	jitterRange := float64(delay) * jitterFactor
	jitter := (rand.Float64()*2 - 1) * jitterRange
	result := time.Duration(float64(delay) + jitter)
	if result < time.Millisecond {
		result = time.Millisecond
	}
	return result
}

func parseRetryDelay(body []byte) time.Duration {
	var errorResp struct {
		Error struct {
			Details []struct {
				Type       string `json:"@type"`
				RetryDelay string `json:"retryDelay"`
				Metadata   struct {
					QuotaResetDelay string `json:"quotaResetDelay"`
				} `json:"metadata"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := sonic.Unmarshal(body, &errorResp); err != nil {
		return 0
	}

	for _, detail := range errorResp.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			if d := parseDurationString(detail.RetryDelay); d > 0 {
				return d
			}
		}
	}
	for _, detail := range errorResp.Error.Details {
		if detail.Metadata.QuotaResetDelay != "" {
			if d := parseDurationString(detail.Metadata.QuotaResetDelay); d > 0 {
				return d
			}
		}
	}
	return 0
}

// parseDurationString accepts "1.203608125s", "500ms", "1h16m0.667s" and
// bare second counts.
func parseDurationString(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if seconds, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

func parseRateLimitReason(body string) RateLimitReason {
	var errorResp struct {
		Error struct {
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := sonic.Unmarshal([]byte(body), &errorResp); err == nil {
		for _, d := range errorResp.Error.Details {
			switch d.Reason {
			case "QUOTA_EXHAUSTED":
				return RateLimitReasonQuotaExhausted
			case "RATE_LIMIT_EXCEEDED":
				return RateLimitReasonRateLimitExceeded
			}
		}
	}

	lower := strings.ToLower(body)
	if strings.Contains(lower, "exhausted") || strings.Contains(lower, "quota") {
		return RateLimitReasonQuotaExhausted
	}
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests") {
		return RateLimitReasonRateLimitExceeded
	}
	return RateLimitReasonUnknown
}

func defaultDelay(reason RateLimitReason) time.Duration {
	switch reason {
	case RateLimitReasonQuotaExhausted:
		return defaultQuotaExhaustedDelay
	case RateLimitReasonRateLimitExceeded:
		return defaultRateLimitDelay
	case RateLimitReasonServerError:
		return defaultServerErrorDelay
	default:
		return defaultUnknownDelay
	}
}

// IsQuotaExhausted reports an explicit QUOTA_EXHAUSTED error body.
func IsQuotaExhausted(body []byte) bool {
	return strings.Contains(string(body), "QUOTA_EXHAUSTED")
}

func (r RateLimitReason) String() string {
	switch r {
	case RateLimitReasonQuotaExhausted:
		return "QUOTA_EXHAUSTED"
	case RateLimitReasonRateLimitExceeded:
		return "RATE_LIMIT_EXCEEDED"
	case RateLimitReasonServerError:
		return "SERVER_ERROR"
	default:
		return "UNKNOWN"
	}
}
