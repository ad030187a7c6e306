// Package client derives a client identity and its policy flags from
// request headers. Detection is heuristic; unknown clients get the most
// conservative policy (full sanitization, no cross-pool fallback).
package client

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/awsl-project/agw/internal/domain"
)

// policy is the static flag table per client type.
var policy = map[domain.ClientType]domain.ClientInfo{
	domain.ClientClaudeCode: {
		Type:                    domain.ClientClaudeCode,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: false,
	},
	domain.ClientCursor: {
		Type:                      domain.ClientCursor,
		NeedsSanitization:         true,
		EnableCrossPoolFallback:   true,
		EncodeSignatureIntoToolID: true,
	},
	domain.ClientAugment: {
		Type:                      domain.ClientAugment,
		NeedsSanitization:         true,
		EnableCrossPoolFallback:   true,
		EncodeSignatureIntoToolID: true,
	},
	domain.ClientWindsurf: {
		Type:                    domain.ClientWindsurf,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientCline: {
		Type:                    domain.ClientCline,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientContinueDev: {
		Type:                    domain.ClientContinueDev,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientAider: {
		Type:                    domain.ClientAider,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientZed: {
		Type:                    domain.ClientZed,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientCopilot: {
		Type:                    domain.ClientCopilot,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientOpenAIAPI: {
		Type:                    domain.ClientOpenAIAPI,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: true,
	},
	domain.ClientUnknown: {
		Type:                    domain.ClientUnknown,
		NeedsSanitization:       true,
		EnableCrossPoolFallback: false,
	},
}

// exactMarkers are checked first, in order. Substring match against the
// lowercased User-Agent.
var exactMarkers = []struct {
	marker string
	client domain.ClientType
}{
	{"claude-cli", domain.ClientClaudeCode},
	{"claude-code", domain.ClientClaudeCode},
	{"cursor", domain.ClientCursor},
	{"augment", domain.ClientAugment},
	{"windsurf", domain.ClientWindsurf},
	{"codeium", domain.ClientWindsurf},
	{"cline", domain.ClientCline},
	{"continue", domain.ClientContinueDev},
	{"aider", domain.ClientAider},
	{"zed", domain.ClientZed},
	{"github-copilot", domain.ClientCopilot},
	{"copilot", domain.ClientCopilot},
	{"openai-python", domain.ClientOpenAIAPI},
	{"openai-node", domain.ClientOpenAIAPI},
}

// looseMarkers run only when no exact marker hit.
var looseMarkers = []struct {
	re     *regexp.Regexp
	client domain.ClientType
}{
	{regexp.MustCompile(`(?i)anthropic[-/ ]?(sdk|typescript|python)`), domain.ClientClaudeCode},
	{regexp.MustCompile(`(?i)vscode`), domain.ClientCopilot},
	{regexp.MustCompile(`(?i)\bopenai\b`), domain.ClientOpenAIAPI},
}

var versionRe = regexp.MustCompile(`/v?(\d+(?:\.\d+)*)`)

// Detect identifies the calling client from its headers. The proxy may sit
// behind another gateway, so X-Forwarded-User-Agent wins over User-Agent.
func Detect(h http.Header) *domain.ClientInfo {
	ua := h.Get("X-Forwarded-User-Agent")
	if ua == "" {
		ua = h.Get("User-Agent")
	}
	return DetectFromUserAgent(ua)
}

// DetectFromUserAgent resolves a raw User-Agent string to client info.
func DetectFromUserAgent(ua string) *domain.ClientInfo {
	lower := strings.ToLower(ua)

	ct := domain.ClientUnknown
	for _, m := range exactMarkers {
		if strings.Contains(lower, m.marker) {
			ct = m.client
			break
		}
	}
	if ct == domain.ClientUnknown {
		for _, m := range looseMarkers {
			if m.re.MatchString(ua) {
				ct = m.client
				break
			}
		}
	}

	info := policy[ct]
	if m := versionRe.FindStringSubmatch(ua); m != nil {
		info.Version = m[1]
	}
	return &info
}
