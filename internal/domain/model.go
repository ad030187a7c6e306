package domain

import (
	"strings"
	"time"
)

// ClientType identifies the tool that originated a request, derived from
// User-Agent sniffing. Sanitization and cache policy vary per client.
type ClientType string

const (
	ClientClaudeCode  ClientType = "claude_code"
	ClientCursor      ClientType = "cursor"
	ClientAugment     ClientType = "augment"
	ClientWindsurf    ClientType = "windsurf"
	ClientCline       ClientType = "cline"
	ClientContinueDev ClientType = "continue_dev"
	ClientAider       ClientType = "aider"
	ClientZed         ClientType = "zed"
	ClientCopilot     ClientType = "copilot"
	ClientOpenAIAPI   ClientType = "openai_api"
	ClientUnknown     ClientType = "unknown"
)

// Protocol is the wire dialect a request arrived in.
type Protocol string

const (
	ProtocolAnthropic Protocol = "anthropic"
	ProtocolOpenAI    Protocol = "openai"
)

// ModelFamily partitions models for signature compatibility. Signatures
// produced by one family are never replayed into another.
type ModelFamily string

const (
	FamilyClaude ModelFamily = "claude"
	FamilyGemini ModelFamily = "gemini"
	FamilyOther  ModelFamily = "other"
)

// FamilyOfModel maps a model name to its signature family.
func FamilyOfModel(model string) ModelFamily {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return FamilyClaude
	case strings.Contains(m, "gemini"):
		return FamilyGemini
	default:
		return FamilyOther
	}
}

// ClientInfo carries the detected client type plus the policy flags that
// hang off it.
type ClientInfo struct {
	Type    ClientType `json:"type"`
	Version string     `json:"version,omitempty"`

	// Whether request bodies from this client need sanitization before
	// they reach an upstream.
	NeedsSanitization bool `json:"needsSanitization"`

	// Whether fallback may cross between model families.
	EnableCrossPoolFallback bool `json:"enableCrossPoolFallback"`

	// Whether thought signatures are smuggled through tool_use IDs so the
	// client echoes them back on the next turn.
	EncodeSignatureIntoToolID bool `json:"encodeSignatureIntoToolID"`
}

// BackendType selects an upstream adapter implementation.
type BackendType string

const (
	BackendAntigravity BackendType = "antigravity"
	BackendKiro        BackendType = "kiro"
	BackendCopilot     BackendType = "copilot"
)

type BackendConfigAntigravity struct {
	// Account email, used to identify the credential.
	Email string `json:"email" yaml:"email"`

	// Google OAuth refresh_token.
	RefreshToken string `json:"refreshToken" yaml:"refresh_token"`

	// Google Cloud project ID.
	ProjectID string `json:"projectID" yaml:"project_id"`

	// v1internal endpoint. Empty selects the production endpoint with
	// daily-release fallback.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

type BackendConfigKiro struct {
	BaseURL string `json:"baseURL" yaml:"base_url"`
	APIKey  string `json:"apiKey" yaml:"api_key"`
}

type BackendConfigCopilot struct {
	BaseURL string `json:"baseURL" yaml:"base_url"`
	Token   string `json:"token" yaml:"token"`
}

// Backend is one configured upstream credential.
type Backend struct {
	ID        string      `json:"id" yaml:"id"`
	Type      BackendType `json:"type" yaml:"type"`
	IsEnabled bool        `json:"isEnabled" yaml:"enabled"`

	// Model names this backend advertises. Used by /v1/models and to
	// filter routing chains.
	Models []string `json:"models" yaml:"models"`

	// Model mapping: request model -> upstream model.
	ModelMapping map[string]string `json:"modelMapping,omitempty" yaml:"model_mapping,omitempty"`

	// Upstream deadlines as Go durations ("120s"). FirstByteTimeout bounds
	// the wait for response headers; IdleTimeout bounds the gap between
	// reads while streaming. Empty selects the defaults.
	FirstByteTimeout string `json:"firstByteTimeout,omitempty" yaml:"first_byte_timeout,omitempty"`
	IdleTimeout      string `json:"idleTimeout,omitempty" yaml:"idle_timeout,omitempty"`

	Antigravity *BackendConfigAntigravity `json:"antigravity,omitempty" yaml:"antigravity,omitempty"`
	Kiro        *BackendConfigKiro        `json:"kiro,omitempty" yaml:"kiro,omitempty"`
	Copilot     *BackendConfigCopilot     `json:"copilot,omitempty" yaml:"copilot,omitempty"`
}

// ChainEntry is one step of a fallback chain.
type ChainEntry struct {
	BackendID   string `json:"backendID" yaml:"backend"`
	TargetModel string `json:"targetModel" yaml:"model"`
}

// RouteDecision is the ordered chain the executor walks for one request.
type RouteDecision struct {
	RequestModel string       `json:"requestModel"`
	Chain        []ChainEntry `json:"chain"`
}

// ConversationState is the authoritative per-conversation record keyed by
// server conversation ID (SCID).
type ConversationState struct {
	SCID       string      `json:"scid"`
	ClientType ClientType  `json:"clientType"`
	Family     ModelFamily `json:"family"`

	// Accumulated message history, JSON-encoded Anthropic-shaped messages.
	History []byte `json:"history"`

	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	AccessCount int64     `json:"accessCount"`
}

// Expired reports whether the state's sliding TTL has elapsed.
func (s *ConversationState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type RequestInfo struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	URL     string            `json:"url"`
	Body    string            `json:"body"`
}

type ResponseInfo struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// ProxyRequest tracks one client request through the gateway. Held in
// memory and broadcast to event subscribers; never persisted.
type ProxyRequest struct {
	RequestID  string     `json:"requestID"`
	SCID       string     `json:"scid"`
	ClientType ClientType `json:"clientType"`
	Protocol   Protocol   `json:"protocol"`

	RequestModel  string `json:"requestModel"`
	ResponseModel string `json:"responseModel"`

	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	// PENDING, IN_PROGRESS, COMPLETED, FAILED
	Status string `json:"status"`

	Request  *RequestInfo  `json:"request,omitempty"`
	Response *ResponseInfo `json:"response,omitempty"`

	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`

	Attempts []*UpstreamAttempt `json:"attempts,omitempty"`
}

// UpstreamAttempt records one try against one backend within a request.
type UpstreamAttempt struct {
	BackendID   string `json:"backendID"`
	TargetModel string `json:"targetModel"`

	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`

	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
}
