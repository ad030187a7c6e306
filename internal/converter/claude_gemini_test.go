package converter

import (
	"strings"
	"testing"
)

func TestClaudeToGeminiRolesAndMerging(t *testing.T) {
	req := &ClaudeRequest{
		Model:     "gemini-3-pro",
		MaxTokens: 1024,
		System:    "be terse",
		Messages: []ClaudeMessage{
			{Role: "user", Content: ContentBlocks{{Type: "text", Text: "first"}}},
			{Role: "user", Content: ContentBlocks{{Type: "text", Text: "second"}}},
			{Role: "assistant", Content: ContentBlocks{{Type: "text", Text: "answer"}}},
		},
	}

	out, err := ClaudeToGemini(req)
	if err != nil {
		t.Fatal(err)
	}

	if out.SystemInstruction == nil || out.SystemInstruction.Parts[0].Text != "be terse" {
		t.Errorf("system instruction missing")
	}
	if len(out.Contents) != 2 {
		t.Fatalf("adjacent user messages must merge, got %d contents", len(out.Contents))
	}
	if out.Contents[0].Role != "user" || len(out.Contents[0].Parts) != 2 {
		t.Errorf("merged content = %+v", out.Contents[0])
	}
	if out.Contents[1].Role != "model" {
		t.Errorf("assistant must map to model, got %q", out.Contents[1].Role)
	}
	if out.GenerationConfig.MaxOutputTokens != 1024 {
		t.Errorf("max tokens = %d", out.GenerationConfig.MaxOutputTokens)
	}
	if len(out.GenerationConfig.StopSequences) == 0 {
		t.Errorf("default stop sequences must apply")
	}
	if len(out.SafetySettings) != 5 {
		t.Errorf("safety settings = %d, want 5", len(out.SafetySettings))
	}
}

func TestClaudeToGeminiThinking(t *testing.T) {
	req := &ClaudeRequest{
		Thinking: &ThinkingConfig{Type: "enabled", BudgetTokens: 8192},
		Messages: []ClaudeMessage{
			{Role: "user", Content: ContentBlocks{{Type: "text", Text: "q"}}},
			{Role: "assistant", Content: ContentBlocks{
				{Type: "thinking", Thinking: "reasoning", Signature: "sig-value"},
				{Type: "text", Text: "a"},
			}},
		},
	}

	out, err := ClaudeToGemini(req)
	if err != nil {
		t.Fatal(err)
	}
	tc := out.GenerationConfig.ThinkingConfig
	if tc == nil || !tc.IncludeThoughts || tc.ThinkingBudget != 8192 {
		t.Fatalf("thinking config = %+v", tc)
	}

	part := out.Contents[1].Parts[0]
	if !part.Thought || part.Text != "reasoning" || part.ThoughtSignature != "sig-value" {
		t.Errorf("thinking part = %+v", part)
	}
}

func TestClaudeToGeminiToolFlow(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ContentBlocks{{Type: "text", Text: "search for x"}}},
			{Role: "assistant", Content: ContentBlocks{
				{Type: "tool_use", ID: "toolu_1", Name: "search", Input: map[string]interface{}{"q": "x"}},
			}},
			{Role: "user", Content: ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: "found x"},
			}},
		},
		Tools: []ClaudeTool{
			{Name: "search", Description: "web search", InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string", "format": "uri"}},
			}},
		},
	}

	out, err := ClaudeToGemini(req)
	if err != nil {
		t.Fatal(err)
	}

	call := out.Contents[1].Parts[0].FunctionCall
	if call == nil || call.Name != "search" || call.Args["q"] != "x" {
		t.Fatalf("function call = %+v", call)
	}

	resp := out.Contents[2].Parts[0].FunctionResponse
	if resp == nil || resp.Name != "search" {
		t.Fatalf("function response = %+v", resp)
	}
	if payload := resp.Response.(map[string]string); payload["result"] != "found x" {
		t.Errorf("response payload = %+v", payload)
	}

	if len(out.Tools) != 1 || len(out.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", out.Tools)
	}
	decl := out.Tools[0].FunctionDeclarations[0]
	params := decl.Parameters.(map[string]interface{})
	q := params["properties"].(map[string]interface{})["q"].(map[string]interface{})
	if _, has := q["format"]; has {
		t.Errorf("unsupported schema fields must be stripped from tool params")
	}
	if out.ToolConfig == nil || out.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Errorf("tool config = %+v", out.ToolConfig)
	}
}

func TestClaudeToGeminiEmptyResultPlaceholder(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "assistant", Content: ContentBlocks{
				{Type: "tool_use", ID: "toolu_1", Name: "noop", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_1"},
			}},
		},
	}

	out, err := ClaudeToGemini(req)
	if err != nil {
		t.Fatal(err)
	}
	resp := out.Contents[1].Parts[0].FunctionResponse
	if payload := resp.Response.(map[string]string); payload["result"] != "(empty result)" {
		t.Errorf("empty result placeholder missing: %+v", payload)
	}
}

func TestClaudeToGeminiToolCallSignature(t *testing.T) {
	req := &ClaudeRequest{
		Messages: []ClaudeMessage{
			{Role: "user", Content: ContentBlocks{{Type: "text", Text: "go"}}},
			{Role: "assistant", Content: ContentBlocks{
				{Type: "thinking", Thinking: "plan", Signature: "sig-thinking"},
				{Type: "tool_use", ID: "toolu_1", Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"},
			}},
			{Role: "assistant", Content: ContentBlocks{
				{Type: "tool_use", ID: "toolu_2", Name: "search", Input: map[string]interface{}{}, Signature: "sig-own"},
			}},
		},
	}

	out, err := ClaudeToGemini(req)
	if err != nil {
		t.Fatal(err)
	}

	inherited := out.Contents[1].Parts[1]
	if inherited.FunctionCall == nil {
		t.Fatalf("part = %+v, want functionCall", inherited)
	}
	if inherited.ThoughtSignature != "sig-thinking" {
		t.Errorf("functionCall signature = %q, want the message's thinking signature", inherited.ThoughtSignature)
	}

	explicit := out.Contents[3].Parts[0]
	if explicit.ThoughtSignature != "sig-own" {
		t.Errorf("functionCall signature = %q, want the block's own signature", explicit.ThoughtSignature)
	}
}

func TestGeminiToClaude(t *testing.T) {
	resp := &GeminiResponse{
		ResponseID: "abc123",
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role: "model",
				Parts: []GeminiPart{
					{Text: "deep thought", Thought: true, ThoughtSignature: "sig-1"},
					{Text: "the answer"},
					{FunctionCall: &GeminiFunctionCall{Name: "search", Args: map[string]interface{}{"q": "x"}}, ThoughtSignature: "sig-2"},
				},
			},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GeminiUsageMetadata{
			PromptTokenCount:     100,
			CandidatesTokenCount: 40,
			ThoughtsTokenCount:   10,
		},
	}

	out := GeminiToClaude(resp, "gemini-3-pro", nil)
	if out.ID != "msg_abc123" {
		t.Errorf("id = %q", out.ID)
	}
	if len(out.Content) != 3 {
		t.Fatalf("content blocks = %d, want 3", len(out.Content))
	}
	if out.Content[0].Type != "thinking" || out.Content[0].Signature != "sig-1" {
		t.Errorf("thinking block = %+v", out.Content[0])
	}
	if out.Content[1].Type != "text" || out.Content[1].Text != "the answer" {
		t.Errorf("text block = %+v", out.Content[1])
	}
	tu := out.Content[2]
	if tu.Type != "tool_use" || tu.Name != "search" || !strings.HasPrefix(tu.ID, "toolu_") {
		t.Errorf("tool_use block = %+v", tu)
	}
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", out.StopReason)
	}
	if out.Usage.InputTokens != 100 || out.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestGeminiToClaudeToolIDGenerator(t *testing.T) {
	resp := &GeminiResponse{
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{Parts: []GeminiPart{
				{ThoughtSignature: "floating-sig"},
				{FunctionCall: &GeminiFunctionCall{Name: "grep"}},
			}},
		}},
	}

	var gotName, gotSig string
	out := GeminiToClaude(resp, "m", func(name, sig string) string {
		gotName, gotSig = name, sig
		return "toolu_custom"
	})

	if gotName != "grep" || gotSig != "floating-sig" {
		t.Errorf("generator saw (%q, %q), want (grep, floating-sig)", gotName, gotSig)
	}
	if out.Content[0].ID != "toolu_custom" {
		t.Errorf("id = %q", out.Content[0].ID)
	}
	if out.Content[0].Input == nil {
		t.Errorf("nil args must become an empty object")
	}
}

func TestGeminiFinishToClaude(t *testing.T) {
	tests := []struct {
		finish     string
		hasToolUse bool
		want       string
	}{
		{"STOP", false, "end_turn"},
		{"STOP", true, "tool_use"},
		{"MAX_TOKENS", false, "max_tokens"},
		{"MAX_TOKENS", true, "tool_use"},
		{"", false, "end_turn"},
		{"SAFETY", false, "end_turn"},
	}
	for _, tt := range tests {
		if got := GeminiFinishToClaude(tt.finish, tt.hasToolUse); got != tt.want {
			t.Errorf("GeminiFinishToClaude(%q, %v) = %q, want %q", tt.finish, tt.hasToolUse, got, tt.want)
		}
	}
}
