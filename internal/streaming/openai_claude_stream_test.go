package streaming

import (
	"testing"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
)

func openaiSSE(t *testing.T, chunk *converter.OpenAIStreamChunk) []byte {
	t.Helper()
	data, err := sonic.Marshal(chunk)
	if err != nil {
		t.Fatal(err)
	}
	return []byte("data: " + string(data) + "\n\n")
}

func deltaChunk(delta *converter.OpenAIMessage, finish string) *converter.OpenAIStreamChunk {
	return &converter.OpenAIStreamChunk{
		ID:      "chatcmpl-abc",
		Model:   "gpt-4o",
		Choices: []converter.OpenAIChoice{{Delta: delta, FinishReason: finish}},
	}
}

func TestOpenAIToClaudeStreamBasic(t *testing.T) {
	s := NewOpenAIToClaudeStream("claude-sonnet-4")

	var raw []byte
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Role: "assistant"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "Hello "}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "world"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, &converter.OpenAIStreamChunk{
		Choices: []converter.OpenAIChoice{{Delta: &converter.OpenAIMessage{}, FinishReason: "stop"}},
		Usage:   &converter.OpenAIUsage{PromptTokens: 9, CompletionTokens: 3},
	}))...)
	raw = append(raw, s.Process([]byte("data: [DONE]\n\n"))...)

	events := parseClaudeEvents(t, raw)
	if events[0].name != "message_start" || events[0].ev.Message.ID != "msg_abc" {
		t.Fatalf("message_start = %+v", events[0].ev.Message)
	}
	if events[0].ev.Message.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", events[0].ev.Message.Model)
	}

	var text string
	for _, e := range events {
		if e.name == "content_block_delta" && e.ev.Delta != nil {
			text += e.ev.Delta.Text
		}
	}
	if text != "Hello world" {
		t.Errorf("text = %q", text)
	}

	var sawDelta, sawStop bool
	for _, e := range events {
		if e.name == "message_delta" {
			sawDelta = true
			if e.ev.Delta.StopReason != "end_turn" {
				t.Errorf("stop_reason = %q", e.ev.Delta.StopReason)
			}
			if e.ev.Usage == nil || e.ev.Usage.InputTokens != 9 || e.ev.Usage.OutputTokens != 3 {
				t.Errorf("usage = %+v", e.ev.Usage)
			}
		}
		if e.name == "message_stop" {
			sawStop = true
		}
	}
	if !sawDelta || !sawStop {
		t.Errorf("termination events missing (delta=%v stop=%v)", sawDelta, sawStop)
	}
}

func TestOpenAIToClaudeStreamThinkFences(t *testing.T) {
	s := NewOpenAIToClaudeStream("m")

	var raw []byte
	// fence markers split across chunk boundaries
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "Hello <thi"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "nk>hidden</th"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "ink> world"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{}, "stop")))...)

	events := parseClaudeEvents(t, raw)

	type blockRec struct {
		kind string
		body string
	}
	var blocks []blockRec
	for _, e := range events {
		switch e.name {
		case "content_block_start":
			blocks = append(blocks, blockRec{kind: e.ev.ContentBlock.Type})
		case "content_block_delta":
			if len(blocks) == 0 {
				continue
			}
			last := &blocks[len(blocks)-1]
			last.body += e.ev.Delta.Text + e.ev.Delta.Thinking
		}
	}

	want := []blockRec{
		{"text", "Hello "},
		{"thinking", "hidden"},
		{"text", " world"},
	}
	if len(blocks) != len(want) {
		t.Fatalf("blocks = %+v, want %+v", blocks, want)
	}
	for i := range want {
		if blocks[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, blocks[i], want[i])
		}
	}
}

func TestOpenAIToClaudeStreamReasoningContent(t *testing.T) {
	s := NewOpenAIToClaudeStream("m")

	var raw []byte
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{ReasoningContent: "step one"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{Content: "answer"}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{}, "stop")))...)

	events := parseClaudeEvents(t, raw)
	var kinds []string
	for _, e := range events {
		if e.name == "content_block_start" {
			kinds = append(kinds, e.ev.ContentBlock.Type)
		}
	}
	if len(kinds) != 2 || kinds[0] != "thinking" || kinds[1] != "text" {
		t.Errorf("block kinds = %v, want [thinking text]", kinds)
	}
}

func TestOpenAIToClaudeStreamToolCalls(t *testing.T) {
	s := NewOpenAIToClaudeStream("m")
	idx := 0

	var raw []byte
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{
		ToolCalls: []converter.OpenAIToolCall{{
			Index:    &idx,
			ID:       "call_1",
			Type:     "function",
			Function: converter.OpenAIFunctionCall{Name: "search", Arguments: `{"q":`},
		}},
	}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{
		ToolCalls: []converter.OpenAIToolCall{{
			Index:    &idx,
			Function: converter.OpenAIFunctionCall{Arguments: `"x"}`},
		}},
	}, "")))...)
	raw = append(raw, s.Process(openaiSSE(t, deltaChunk(&converter.OpenAIMessage{}, "tool_calls")))...)

	events := parseClaudeEvents(t, raw)

	var starts int
	var args string
	for _, e := range events {
		if e.name == "content_block_start" && e.ev.ContentBlock.Type == "tool_use" {
			starts++
			if e.ev.ContentBlock.ID != "call_1" || e.ev.ContentBlock.Name != "search" {
				t.Errorf("tool block = %+v", e.ev.ContentBlock)
			}
		}
		if e.name == "content_block_delta" && e.ev.Delta != nil {
			args += e.ev.Delta.PartialJSON
		}
		if e.name == "message_delta" && e.ev.Delta.StopReason != "tool_use" {
			t.Errorf("stop_reason = %q", e.ev.Delta.StopReason)
		}
	}
	if starts != 1 {
		t.Errorf("argument deltas must append to the open block, got %d starts", starts)
	}
	if args != `{"q":"x"}` {
		t.Errorf("accumulated arguments = %q", args)
	}
}

func TestPartialMarkerSuffix(t *testing.T) {
	tests := []struct {
		text   string
		marker string
		want   string
	}{
		{"Hello <thi", "<think>", "<thi"},
		{"Hello <think>", "<think>", ""}, // complete marker is not partial
		{"plain text", "<think>", ""},
		{"<", "<think>", "<"},
		{"tail</th", "</think>", "</th"},
	}
	for _, tt := range tests {
		if got := partialMarkerSuffix(tt.text, tt.marker); got != tt.want {
			t.Errorf("partialMarkerSuffix(%q, %q) = %q, want %q", tt.text, tt.marker, got, tt.want)
		}
	}
}
