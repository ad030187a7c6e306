package streaming

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/cache"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/signature"
)

const streamSig = "a-thought-signature-long-enough"

func newTestRecorder(t *testing.T) (*Recorder, *signature.Cache) {
	t.Helper()
	thinking := cache.New(cache.Config{Name: "thinking-test"})
	tool := cache.New(cache.Config{Name: "tool-test"})
	session := cache.New(cache.Config{Name: "session-test"})
	t.Cleanup(func() {
		thinking.Close()
		tool.Close()
		session.Close()
	})
	sigs := signature.NewCache(signature.Config{}, thinking, tool, session)
	return &Recorder{
		Cache:      sigs,
		ClientType: domain.ClientUnknown,
		Family:     domain.FamilyGemini,
	}, sigs
}

func geminiSSE(t *testing.T, chunk *converter.GeminiStreamChunk) []byte {
	t.Helper()
	data, err := sonic.Marshal(chunk)
	if err != nil {
		t.Fatal(err)
	}
	return []byte("data: " + string(data) + "\n\n")
}

type namedEvent struct {
	name string
	ev   converter.ClaudeStreamEvent
}

func parseClaudeEvents(t *testing.T, raw []byte) []namedEvent {
	t.Helper()
	events, remaining := converter.ParseSSE(string(raw))
	if remaining != "" {
		t.Fatalf("unterminated SSE remainder: %q", remaining)
	}
	var out []namedEvent
	for _, event := range events {
		var ev converter.ClaudeStreamEvent
		if err := sonic.Unmarshal(event.Data, &ev); err != nil {
			t.Fatalf("bad event data %s: %v", event.Data, err)
		}
		out = append(out, namedEvent{name: event.Event, ev: ev})
	}
	return out
}

func eventNames(events []namedEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	return names
}

func TestGeminiToClaudeStreamEventSequence(t *testing.T) {
	rec, sigs := newTestRecorder(t)
	s := NewGeminiToClaudeStream("gemini-3-pro-thinking", false, rec)

	var raw []byte
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		ResponseID: "r1",
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Text: "let me check", Thought: true}},
		}}},
	}))...)
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Thought: true, ThoughtSignature: streamSig}},
		}}},
	}))...)
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Text: "Hello"}},
		}}},
	}))...)
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{
			Content: converter.GeminiContent{Parts: []converter.GeminiPart{{
				FunctionCall: &converter.GeminiFunctionCall{Name: "search", Args: map[string]interface{}{"q": "x"}},
			}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &converter.GeminiUsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 7},
	}))...)

	events := parseClaudeEvents(t, raw)
	want := []string{
		"message_start",
		"content_block_start",  // thinking
		"content_block_delta",  // thinking_delta
		"content_block_delta",  // signature_delta
		"content_block_stop",   // thinking closed by text
		"content_block_start",  // text
		"content_block_delta",  // text_delta
		"content_block_stop",   // text closed by function call
		"content_block_start",  // tool_use
		"content_block_delta",  // input_json_delta
		"content_block_stop",   // tool closed
		"message_delta",
		"message_stop",
	}
	got := eventNames(events)
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}

	start := events[0].ev
	if start.Message == nil || start.Message.ID != "msg_r1" || start.Message.Model != "gemini-3-pro-thinking" {
		t.Errorf("message_start = %+v", start.Message)
	}
	if events[2].ev.Delta.Thinking != "let me check" {
		t.Errorf("thinking delta = %+v", events[2].ev.Delta)
	}
	if events[3].ev.Delta.Signature != streamSig {
		t.Errorf("signature delta = %+v", events[3].ev.Delta)
	}
	tool := events[8].ev.ContentBlock
	if tool.Name != "search" || !strings.HasPrefix(tool.ID, "toolu_") {
		t.Errorf("tool block = %+v", tool)
	}
	if events[9].ev.Delta.PartialJSON != `{"q":"x"}` {
		t.Errorf("input json delta = %q", events[9].ev.Delta.PartialJSON)
	}
	if events[11].ev.Delta.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", events[11].ev.Delta.StopReason)
	}

	// the signature was harvested into the thinking cache
	got2, layer, ok := sigs.Recover(signature.RecoveryInput{
		Family:       domain.FamilyGemini,
		ThinkingText: "let me check",
	})
	if !ok || layer != signature.LayerThinkingCache || got2 != streamSig {
		t.Errorf("harvest = (%q, %v, %v)", got2, layer, ok)
	}

	in, out, _ := s.Usage()
	if in != 12 || out != 7 {
		t.Errorf("usage = (%d, %d), want (12, 7)", in, out)
	}
}

func TestGeminiToClaudeStreamTrailingSignature(t *testing.T) {
	rec, _ := newTestRecorder(t)
	s := NewGeminiToClaudeStream("m", false, rec)

	var raw []byte
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Text: "Hi"}},
		}}},
	}))...)
	// bare signature with no content attaches to nothing: held as trailing
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{ThoughtSignature: streamSig}},
		}}},
	}))...)
	raw = append(raw, s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{FinishReason: "STOP"}},
	}))...)

	events := parseClaudeEvents(t, raw)

	// expect an empty thinking block carrying the signature before the end
	var sawEmptyThinking, sawSig bool
	for _, e := range events {
		if e.name == "content_block_start" && e.ev.ContentBlock != nil &&
			e.ev.ContentBlock.Type == "thinking" && e.ev.Index == 1 {
			sawEmptyThinking = true
		}
		if e.name == "content_block_delta" && e.ev.Delta != nil && e.ev.Delta.Signature == streamSig {
			sawSig = true
		}
	}
	if !sawEmptyThinking || !sawSig {
		t.Errorf("trailing signature must surface as an empty thinking block (thinking=%v sig=%v)",
			sawEmptyThinking, sawSig)
	}

	last := events[len(events)-1]
	if last.name != "message_stop" {
		t.Errorf("last event = %s", last.name)
	}
	if events[len(events)-2].ev.Delta.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", events[len(events)-2].ev.Delta.StopReason)
	}
}

func TestGeminiToClaudeStreamDecoratedToolIDs(t *testing.T) {
	rec, _ := newTestRecorder(t)
	s := NewGeminiToClaudeStream("m", true, rec)

	raw := s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{
				FunctionCall:     &converter.GeminiFunctionCall{Name: "grep"},
				ThoughtSignature: streamSig,
			}},
		}}},
	}))

	events := parseClaudeEvents(t, raw)
	var toolID string
	for _, e := range events {
		if e.name == "content_block_start" && e.ev.ContentBlock != nil && e.ev.ContentBlock.Type == "tool_use" {
			toolID = e.ev.ContentBlock.ID
		}
	}
	base, sig, ok := signature.SplitDecoratedToolID(toolID)
	if !ok || sig != streamSig || !strings.HasPrefix(base, "toolu_") {
		t.Errorf("decorated id = %q, split = (%q, %q, %v)", toolID, base, sig, ok)
	}
}

func TestGeminiToClaudeStreamSplitChunks(t *testing.T) {
	rec, _ := newTestRecorder(t)
	s := NewGeminiToClaudeStream("m", false, rec)

	full := geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Text: "hello"}},
		}}},
	})
	cut := len(full) / 2

	first := s.Process(full[:cut])
	if len(first) != 0 {
		t.Errorf("half an SSE event must produce no output, got %q", first)
	}
	second := s.Process(full[cut:])
	events := parseClaudeEvents(t, second)
	if len(events) == 0 || events[0].name != "message_start" {
		t.Fatalf("reassembled event missing: %v", eventNames(events))
	}
}

func TestGeminiToClaudeStreamAbruptEnd(t *testing.T) {
	rec, _ := newTestRecorder(t)
	s := NewGeminiToClaudeStream("m", false, rec)

	s.Process(geminiSSE(t, &converter.GeminiStreamChunk{
		Candidates: []converter.GeminiCandidate{{Content: converter.GeminiContent{
			Parts: []converter.GeminiPart{{Text: "partial"}},
		}}},
	}))
	raw := s.Finish()

	events := parseClaudeEvents(t, raw)
	names := eventNames(events)
	if names[len(names)-1] != "message_stop" {
		t.Errorf("Finish must close the stream: %v", names)
	}
	// second Finish is a no-op
	if extra := s.Finish(); len(extra) != 0 {
		t.Errorf("repeated Finish must emit nothing, got %q", extra)
	}
}
