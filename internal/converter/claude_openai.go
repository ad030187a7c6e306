package converter

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// OpenAIToClaude converts an OpenAI Chat Completions request to the
// canonical Anthropic shape. Tool messages whose tool_call_id never
// appeared in a prior assistant tool_calls list are dropped. The
// assistant role's non-standard reasoning_content becomes an unsigned
// thinking block; the sanitizer decides its fate.
func OpenAIToClaude(req *OpenAIRequest) (*ClaudeRequest, error) {
	out := &ClaudeRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = req.MaxCompletionTokens
	}

	switch stop := req.Stop.(type) {
	case string:
		out.StopSequences = []string{stop}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				out.StopSequences = append(out.StopSequences, str)
			}
		}
	}

	// First pass: every tool_call id the assistant actually issued.
	knownCalls := map[string]bool{}
	for _, msg := range req.Messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" {
				knownCalls[tc.ID] = true
			}
		}
	}

	var systemText strings.Builder
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			systemText.WriteString(openAIContentText(msg.Content))
		case "user":
			out.Messages = append(out.Messages, ClaudeMessage{
				Role:    "user",
				Content: openAIContentBlocks(msg.Content),
			})
		case "assistant":
			var blocks ContentBlocks
			if msg.ReasoningContent != "" {
				blocks = append(blocks, ContentBlock{
					Type:     "thinking",
					Thinking: msg.ReasoningContent,
				})
			}
			if text := openAIContentText(msg.Content); text != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				var args interface{}
				if tc.Function.Arguments != "" {
					var m map[string]interface{}
					if sonic.Unmarshal([]byte(tc.Function.Arguments), &m) == nil {
						args = m
					}
				}
				id := tc.ID
				if id == "" {
					id = NewToolUseID()
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Function.Name,
					Input: args,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out.Messages = append(out.Messages, ClaudeMessage{Role: "assistant", Content: blocks})
		case "tool":
			if !knownCalls[msg.ToolCallID] {
				continue
			}
			out.Messages = append(out.Messages, ClaudeMessage{
				Role: "user",
				Content: ContentBlocks{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   openAIContentText(msg.Content),
				}},
			})
		}
	}

	if systemText.Len() > 0 {
		out.System = systemText.String()
	}

	for _, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, ClaudeTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}

	switch tc := req.ToolChoice.(type) {
	case string:
		switch tc {
		case "none":
			out.ToolChoice = map[string]interface{}{"type": "none"}
		case "required":
			out.ToolChoice = map[string]interface{}{"type": "any"}
		case "auto":
			out.ToolChoice = map[string]interface{}{"type": "auto"}
		}
	case map[string]interface{}:
		if fn, ok := tc["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				out.ToolChoice = map[string]interface{}{"type": "tool", "name": name}
			}
		}
	}

	return out, nil
}

func openAIContentText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var sb strings.Builder
		for _, part := range c {
			if m, ok := part.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	}
	return ""
}

func openAIContentBlocks(content interface{}) ContentBlocks {
	switch c := content.(type) {
	case string:
		return ContentBlocks{{Type: "text", Text: c}}
	case []interface{}:
		var blocks ContentBlocks
		for _, part := range c {
			m, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if t, ok := m["text"].(string); ok && t != "" {
					blocks = append(blocks, ContentBlock{Type: "text", Text: t})
				}
			case "image_url":
				if img, ok := m["image_url"].(map[string]interface{}); ok {
					if url, ok := img["url"].(string); ok {
						blocks = append(blocks, ContentBlock{
							Type:   "image",
							Source: imageSourceFromURL(url),
						})
					}
				}
			}
		}
		return blocks
	}
	return nil
}

// imageSourceFromURL handles both data: URIs and plain URLs.
func imageSourceFromURL(url string) *ImageSource {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if semi := strings.Index(rest, ";base64,"); semi >= 0 {
			return &ImageSource{
				Type:      "base64",
				MediaType: rest[:semi],
				Data:      rest[semi+len(";base64,"):],
			}
		}
	}
	return &ImageSource{Type: "url", URL: url}
}

// ClaudeToOpenAI converts the canonical Anthropic request to the OpenAI
// Chat Completions shape for OpenAI-native upstreams. Thinking blocks do
// not survive the trip; the sanitizer has already degraded or dropped
// whatever must not be lost.
func ClaudeToOpenAI(req *ClaudeRequest) (*OpenAIRequest, error) {
	out := &OpenAIRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	if text := SystemText(req.System); text != "" {
		out.Messages = append(out.Messages, OpenAIMessage{Role: "system", Content: text})
	}

	for _, msg := range req.Messages {
		if msg.Role == "assistant" {
			var text strings.Builder
			var toolCalls []OpenAIToolCall
			for _, block := range msg.Content {
				switch block.Type {
				case "text":
					text.WriteString(block.Text)
				case "thinking", "redacted_thinking":
					// dropped for OpenAI upstreams
				case "tool_use":
					args := "{}"
					if block.Input != nil {
						if b, err := sonic.Marshal(block.Input); err == nil {
							args = string(b)
						}
					}
					toolCalls = append(toolCalls, OpenAIToolCall{
						ID:   block.ID,
						Type: "function",
						Function: OpenAIFunctionCall{
							Name:      block.Name,
							Arguments: args,
						},
					})
				}
			}
			if text.Len() == 0 && len(toolCalls) == 0 {
				continue
			}
			m := OpenAIMessage{Role: "assistant", ToolCalls: toolCalls}
			if text.Len() > 0 {
				m.Content = text.String()
			}
			out.Messages = append(out.Messages, m)
			continue
		}

		// user role: tool_result blocks become tool messages, the rest
		// fold into one user message.
		var parts []OpenAIContentPart
		for _, block := range msg.Content {
			switch block.Type {
			case "tool_result":
				out.Messages = append(out.Messages, OpenAIMessage{
					Role:       "tool",
					ToolCallID: block.ToolUseID,
					Content:    TextContent(block.Content),
				})
			case "text":
				parts = append(parts, OpenAIContentPart{Type: "text", Text: block.Text})
			case "image":
				if block.Source != nil {
					url := block.Source.URL
					if url == "" && block.Source.Data != "" {
						url = "data:" + block.Source.MediaType + ";base64," + block.Source.Data
					}
					parts = append(parts, OpenAIContentPart{
						Type:     "image_url",
						ImageURL: &OpenAIImageURL{URL: url},
					})
				}
			}
		}
		if len(parts) == 1 && parts[0].Type == "text" {
			out.Messages = append(out.Messages, OpenAIMessage{Role: "user", Content: parts[0].Text})
		} else if len(parts) > 0 {
			out.Messages = append(out.Messages, OpenAIMessage{Role: "user", Content: parts})
		}
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	switch tc := req.ToolChoice.(type) {
	case map[string]interface{}:
		switch tc["type"] {
		case "none":
			out.ToolChoice = "none"
		case "any":
			out.ToolChoice = "required"
		case "auto":
			out.ToolChoice = "auto"
		case "tool":
			if name, ok := tc["name"].(string); ok {
				out.ToolChoice = map[string]interface{}{
					"type":     "function",
					"function": map[string]interface{}{"name": name},
				}
			}
		}
	}

	return out, nil
}

// ClaudeStopToOpenAI maps an Anthropic stop_reason to an OpenAI
// finish_reason.
func ClaudeStopToOpenAI(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// OpenAIFinishToClaude maps an OpenAI finish_reason to an Anthropic
// stop_reason.
func OpenAIFinishToClaude(finishReason string) string {
	switch finishReason {
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// ClaudeResponseToOpenAI converts a complete Anthropic response to an
// OpenAI chat completion. Thinking text rides in reasoning_content.
func ClaudeResponseToOpenAI(resp *ClaudeResponse, model string) *OpenAIResponse {
	msg := &OpenAIMessage{Role: "assistant"}
	var text strings.Builder
	var reasoning strings.Builder

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			args := "{}"
			if block.Input != nil {
				if b, err := sonic.Marshal(block.Input); err == nil {
					args = string(b)
				}
			}
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   block.ID,
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = text.String()
	msg.ReasoningContent = reasoning.String()

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	return &OpenAIResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: ClaudeStopToOpenAI(resp.StopReason),
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// OpenAIResponseToClaude converts a complete OpenAI chat completion to
// the canonical Anthropic response.
func OpenAIResponseToClaude(resp *OpenAIResponse, model string) *ClaudeResponse {
	out := &ClaudeResponse{
		ID:    "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if resp.ID != "" {
		out.ID = "msg_" + resp.ID
	}
	if len(resp.Choices) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		if choice.Message.ReasoningContent != "" {
			out.Content = append(out.Content, ContentBlock{
				Type:     "thinking",
				Thinking: choice.Message.ReasoningContent,
			})
		}
		if text := openAIContentText(choice.Message.Content); text != "" {
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			var args interface{}
			if tc.Function.Arguments != "" {
				var m map[string]interface{}
				if sonic.Unmarshal([]byte(tc.Function.Arguments), &m) == nil {
					args = m
				}
			}
			id := tc.ID
			if id == "" {
				id = NewToolUseID()
			}
			out.Content = append(out.Content, ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  tc.Function.Name,
				Input: args,
			})
		}
	}
	out.StopReason = OpenAIFinishToClaude(choice.FinishReason)
	return out
}
