package converter

import (
	"strings"

	"github.com/google/uuid"
)

// defaultSafetySettings returns safety settings with all filters off.
func defaultSafetySettings() []GeminiSafetySetting {
	return []GeminiSafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "OFF"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "OFF"},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "OFF"},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "OFF"},
		{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "OFF"},
	}
}

// defaultStopSequences are appended to generationConfig when the client
// did not set its own.
var defaultStopSequences = []string{
	"<|user|>",
	"<|endoftext|>",
	"<|end_of_turn|>",
	"[DONE]",
	"\n\nHuman:",
}

// ClaudeToGemini converts an Anthropic-shaped request to the Gemini
// generateContent format. Adjacent same-role messages are merged because
// the Gemini API requires strict user/model alternation. Tool results are
// resolved to function names through a tool_use id scan over the whole
// conversation.
func ClaudeToGemini(req *ClaudeRequest) (*GeminiRequest, error) {
	stopSeqs := req.StopSequences
	if len(stopSeqs) == 0 {
		stopSeqs = defaultStopSequences
	}

	out := &GeminiRequest{
		GenerationConfig: &GeminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			StopSequences:   stopSeqs,
		},
		SafetySettings: defaultSafetySettings(),
	}

	if req.Thinking.Enabled() {
		out.GenerationConfig.ThinkingConfig = &GeminiThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	}

	if text := SystemText(req.System); text != "" {
		out.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: text}},
		}
	}

	// tool_use id -> tool name, for functionResponse naming
	idToName := map[string]string{}
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ID != "" {
				idToName[block.ID] = block.Name
			}
		}
	}

	for _, msg := range req.Messages {
		content := GeminiContent{}
		switch msg.Role {
		case "assistant":
			content.Role = "model"
		default:
			content.Role = "user"
		}

		// The signature of the message's thinking covers its function
		// calls too; Gemini wants it echoed on every part it signed.
		lastSignature := ""

		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if block.Text == "" || block.Text == "(no content)" {
					continue
				}
				content.Parts = append(content.Parts, GeminiPart{Text: block.Text})
			case "thinking":
				if block.Thinking == "" {
					continue
				}
				if block.Signature != "" {
					lastSignature = block.Signature
				}
				content.Parts = append(content.Parts, GeminiPart{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: block.Signature,
				})
			case "redacted_thinking":
				// No Gemini equivalent; the sanitizer has already decided
				// whether this block survives.
				continue
			case "tool_use":
				args, _ := block.Input.(map[string]interface{})
				if args != nil {
					args = DeepCopyMap(args)
					CleanJSONSchema(args)
				} else {
					args = map[string]interface{}{}
				}
				sig := block.Signature
				if sig == "" {
					sig = lastSignature
				}
				content.Parts = append(content.Parts, GeminiPart{
					ThoughtSignature: sig,
					FunctionCall: &GeminiFunctionCall{
						Name: block.Name,
						Args: args,
					},
				})
			case "tool_result":
				name := idToName[block.ToolUseID]
				if name == "" {
					name = block.ToolUseID
				}
				result := TextContent(block.Content)
				if result == "" {
					result = "(empty result)"
				}
				content.Role = "user"
				content.Parts = append(content.Parts, GeminiPart{
					FunctionResponse: &GeminiFunctionResponse{
						Name:     name,
						Response: map[string]string{"result": result},
					},
				})
			case "image":
				if block.Source != nil && block.Source.Data != "" {
					content.Parts = append(content.Parts, GeminiPart{
						InlineData: &GeminiInlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				}
			}
		}

		if len(content.Parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, content)
	}

	out.Contents = mergeAdjacentContents(out.Contents)

	if decls := buildGeminiTools(req.Tools); len(decls) > 0 {
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		out.ToolConfig = &GeminiToolConfig{
			FunctionCallingConfig: &GeminiFunctionCallingConfig{Mode: "VALIDATED"},
		}
	}

	return out, nil
}

// mergeAdjacentContents merges consecutive contents with the same role.
func mergeAdjacentContents(contents []GeminiContent) []GeminiContent {
	if len(contents) == 0 {
		return contents
	}
	merged := make([]GeminiContent, 0, len(contents))
	current := contents[0]
	for i := 1; i < len(contents); i++ {
		if contents[i].Role == current.Role {
			current.Parts = append(current.Parts, contents[i].Parts...)
			continue
		}
		merged = append(merged, current)
		current = contents[i]
	}
	return append(merged, current)
}

func buildGeminiTools(tools []ClaudeTool) []GeminiFunctionDecl {
	var decls []GeminiFunctionDecl
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		schema := tool.InputSchema
		if m, ok := schema.(map[string]interface{}); ok {
			cleaned := DeepCopyMap(m)
			CleanJSONSchema(cleaned)
			schema = cleaned
		} else if schema == nil {
			schema = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		decls = append(decls, GeminiFunctionDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schema,
		})
	}
	return decls
}

// NewToolUseID mints a fresh Anthropic-style tool_use id.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GeminiToClaude converts a complete (non-streaming) Gemini response to an
// Anthropic Messages response. genToolID mints tool_use ids; nil uses
// NewToolUseID ignoring both arguments.
func GeminiToClaude(resp *GeminiResponse, model string, genToolID func(name, signature string) string) *ClaudeResponse {
	out := &ClaudeResponse{
		ID:    "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	if resp.ResponseID != "" {
		out.ID = "msg_" + resp.ResponseID
	}

	if resp.UsageMetadata != nil {
		out.Usage = ClaudeUsage{
			InputTokens:          resp.UsageMetadata.PromptTokenCount,
			OutputTokens:         resp.UsageMetadata.CandidatesTokenCount + resp.UsageMetadata.ThoughtsTokenCount,
			CacheReadInputTokens: resp.UsageMetadata.CachedContentTokenCount,
		}
	}

	if len(resp.Candidates) == 0 {
		out.StopReason = "end_turn"
		return out
	}

	cand := resp.Candidates[0]
	hasToolUse := false
	var pendingSignature string

	for _, part := range cand.Content.Parts {
		switch {
		case part.Thought:
			out.Content = append(out.Content, ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})
		case part.FunctionCall != nil:
			sig := part.ThoughtSignature
			if sig == "" {
				sig = pendingSignature
			}
			id := ""
			if genToolID != nil {
				id = genToolID(part.FunctionCall.Name, sig)
			}
			if id == "" {
				id = NewToolUseID()
			}
			args := part.FunctionCall.Args
			if args == nil {
				args = map[string]interface{}{}
			}
			out.Content = append(out.Content, ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: args,
			})
			hasToolUse = true
		case part.Text != "":
			// A signature on a plain text part belongs to the next
			// function call in the same candidate.
			if part.ThoughtSignature != "" {
				pendingSignature = part.ThoughtSignature
			}
			out.Content = append(out.Content, ContentBlock{Type: "text", Text: part.Text})
		case part.ThoughtSignature != "":
			pendingSignature = part.ThoughtSignature
		}
	}

	switch {
	case hasToolUse:
		out.StopReason = "tool_use"
	case cand.FinishReason == "MAX_TOKENS":
		out.StopReason = "max_tokens"
	default:
		out.StopReason = "end_turn"
	}

	return out
}

// GeminiFinishToClaude maps a Gemini finishReason to an Anthropic
// stop_reason, honoring tool use precedence.
func GeminiFinishToClaude(finishReason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// ClaudeStopToGemini maps an Anthropic stop_reason to a Gemini
// finishReason.
func ClaudeStopToGemini(stopReason string) string {
	switch stopReason {
	case "max_tokens":
		return "MAX_TOKENS"
	default:
		return "STOP"
	}
}
