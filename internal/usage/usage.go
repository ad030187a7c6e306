// Package usage extracts token counts from upstream response bodies,
// whatever dialect they arrived in.
package usage

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

// Metrics holds the token counts of one completed response.
type Metrics struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	CacheRead    int64 `json:"cacheRead"`
	CacheWrite   int64 `json:"cacheWrite"`
}

// ExtractFromResponse parses a complete (non-SSE) response body.
// Understands Anthropic usage, OpenAI usage, and Gemini usageMetadata.
func ExtractFromResponse(body []byte) *Metrics {
	type usageProbe struct {
		// anthropic
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		// openai
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	}
	var probe struct {
		Usage *usageProbe `json:"usage"`
		// message_start nests usage under message
		Message *struct {
			Usage *usageProbe `json:"usage"`
		} `json:"message"`
		UsageMetadata *struct {
			PromptTokenCount        int64 `json:"promptTokenCount"`
			CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
			CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := sonic.Unmarshal(body, &probe); err != nil {
		return nil
	}

	usage := probe.Usage
	if usage == nil && probe.Message != nil {
		usage = probe.Message.Usage
	}
	if usage != nil {
		m := &Metrics{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CacheRead:    usage.CacheReadInputTokens,
			CacheWrite:   usage.CacheCreationInputTokens,
		}
		if m.InputTokens == 0 && usage.PromptTokens > 0 {
			m.InputTokens = usage.PromptTokens
			m.OutputTokens = usage.CompletionTokens
		}
		if m.InputTokens == 0 && m.OutputTokens == 0 {
			return nil
		}
		return m
	}

	if probe.UsageMetadata != nil {
		return &Metrics{
			InputTokens:  probe.UsageMetadata.PromptTokenCount - probe.UsageMetadata.CachedContentTokenCount,
			OutputTokens: probe.UsageMetadata.CandidatesTokenCount,
			CacheRead:    probe.UsageMetadata.CachedContentTokenCount,
		}
	}
	return nil
}

// ExtractFromSSE walks a buffered SSE body and returns the final usage
// seen. Later events overwrite earlier ones, matching how both dialects
// report cumulative counts on their terminal events.
func ExtractFromSSE(body []byte) *Metrics {
	if !converter.IsSSE(string(body)) {
		return ExtractFromResponse(body)
	}
	events, _ := converter.ParseSSE(string(body))

	var final *Metrics
	for _, event := range events {
		if event.Event == "done" || len(event.Data) == 0 {
			continue
		}
		if m := ExtractFromResponse(event.Data); m != nil {
			if final == nil {
				final = m
				continue
			}
			// input tokens arrive on message_start, output on
			// message_delta; merge rather than replace
			if m.InputTokens > 0 {
				final.InputTokens = m.InputTokens
			}
			if m.OutputTokens > 0 {
				final.OutputTokens = m.OutputTokens
			}
			if m.CacheRead > 0 {
				final.CacheRead = m.CacheRead
			}
			if m.CacheWrite > 0 {
				final.CacheWrite = m.CacheWrite
			}
		}
	}
	return final
}

// IsSSEBody reports whether a response body looks like an event stream.
func IsSSEBody(contentType string, body []byte) bool {
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	return converter.IsSSE(string(body))
}
