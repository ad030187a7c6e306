package sanitizer

import (
	"testing"

	"github.com/awsl-project/agw/internal/cache"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/signature"
)

func newTestSanitizer(t *testing.T) (*Sanitizer, *signature.Cache) {
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
	return New(sigs), sigs
}

func userText(text string) converter.ClaudeMessage {
	return converter.ClaudeMessage{
		Role:    "user",
		Content: converter.ContentBlocks{{Type: "text", Text: text}},
	}
}

const validSig = "a-signature-long-enough-to-pass-validation"

func TestDegradeUnsignedThinking(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Model: "gemini-3-pro",
		Messages: []converter.ClaudeMessage{
			userText("q1"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "old reasoning"},
				{Type: "text", Text: "a1"},
			}},
			userText("q2"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if res.DegradedThinking != 1 {
		t.Fatalf("DegradedThinking = %d, want 1", res.DegradedThinking)
	}
	block := req.Messages[1].Content[0]
	if block.Type != "text" || block.Text != "<think>\nold reasoning\n</think>" {
		t.Errorf("degraded block = %+v", block)
	}
}

func TestKeepValidClientSignature(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "reasoning", Signature: validSig},
				{Type: "text", Text: "a"},
			}},
			userText("follow up"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if res.DegradedThinking != 0 {
		t.Fatalf("valid signature must survive, degraded %d", res.DegradedThinking)
	}
	if req.Messages[1].Content[0].Signature != validSig {
		t.Errorf("signature changed to %q", req.Messages[1].Content[0].Signature)
	}
}

func TestLastAssistantRecovery(t *testing.T) {
	san, sigs := newTestSanitizer(t)
	sigs.RecordThinking(domain.ClientUnknown, domain.FamilyGemini, "recoverable reasoning", validSig)

	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "recoverable reasoning"},
				{Type: "text", Text: "a"},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if res.RecoveredSignatures != 1 || res.DegradedThinking != 0 {
		t.Fatalf("recovered=%d degraded=%d, want 1/0", res.RecoveredSignatures, res.DegradedThinking)
	}
	if req.Messages[1].Content[0].Signature != validSig {
		t.Errorf("signature = %q, want %q", req.Messages[1].Content[0].Signature, validSig)
	}
}

func TestHistoricalTurnsNotRecovered(t *testing.T) {
	san, sigs := newTestSanitizer(t)
	sigs.RecordThinking(domain.ClientUnknown, domain.FamilyGemini, "early reasoning", validSig)

	// the unsigned block sits on an assistant turn that is not the last
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q1"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "early reasoning"},
				{Type: "text", Text: "a1"},
			}},
			userText("q2"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "text", Text: "a2"},
			}},
			userText("q3"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if res.DegradedThinking != 1 || res.RecoveredSignatures != 0 {
		t.Errorf("degraded=%d recovered=%d, want 1/0", res.DegradedThinking, res.RecoveredSignatures)
	}
}

func TestNonLeadingThinkingDegrades(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "text", Text: "prefix"},
				{Type: "thinking", Thinking: "late thought", Signature: validSig},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if res.DegradedThinking != 1 {
		t.Errorf("thinking after content must degrade even when signed, got %d", res.DegradedThinking)
	}
}

func TestOrphanToolResultDropped(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_never_issued", Content: "output"},
				{Type: "text", Text: "and also"},
			}},
		},
	}

	res := san.Sanitize(req, Options{})
	if res.DroppedOrphans != 1 {
		t.Fatalf("DroppedOrphans = %d, want 1", res.DroppedOrphans)
	}
	if len(req.Messages[1].Content) != 1 || req.Messages[1].Content[0].Type != "text" {
		t.Errorf("orphan result must be removed, content = %+v", req.Messages[1].Content)
	}
}

func TestEmptiedMessageRemoved(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_never_issued", Content: "output"},
			}},
		},
	}

	san.Sanitize(req, Options{})
	if len(req.Messages) != 1 {
		t.Errorf("message emptied by orphan removal must be dropped, got %d messages", len(req.Messages))
	}
}

func TestSyntheticResultInjected(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_abandoned", Name: "search", Input: map[string]interface{}{}},
			}},
			userText("never mind, new question"),
		},
	}

	res := san.Sanitize(req, Options{})
	if res.InjectedResults != 1 {
		t.Fatalf("InjectedResults = %d, want 1", res.InjectedResults)
	}
	injected := req.Messages[2]
	if injected.Role != "user" || injected.Content[0].Type != "tool_result" ||
		injected.Content[0].ToolUseID != "toolu_abandoned" {
		t.Errorf("injected message = %+v", injected)
	}
}

func TestTrailingToolUseNotInjected(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_pending", Name: "search", Input: map[string]interface{}{}},
			}},
		},
	}

	res := san.Sanitize(req, Options{})
	if res.InjectedResults != 0 {
		t.Errorf("in-flight tool call at the end must not be answered, injected %d", res.InjectedResults)
	}
}

func TestCrossFamilyPurge(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "claude reasoning", Signature: validSig},
				{Type: "text", Text: "a"},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{
		SourceFamily: domain.FamilyClaude,
		TargetFamily: domain.FamilyGemini,
	})
	if res.RemovedCrossFamily != 1 {
		t.Fatalf("RemovedCrossFamily = %d, want 1", res.RemovedCrossFamily)
	}
	for _, block := range req.Messages[1].Content {
		if block.Type == "thinking" {
			t.Errorf("cross-family thinking must be removed entirely")
		}
	}
}

func TestThinkingConfigStripped(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Thinking: &converter.ThinkingConfig{Type: "enabled", BudgetTokens: 4096},
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "unsigned"},
				{Type: "text", Text: "a"},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if req.Thinking != nil {
		t.Errorf("thinking config must be stripped when every block degraded")
	}
	if !res.ThinkingDisabled {
		t.Errorf("result must report thinking disabled")
	}
}

func TestForceDisableThinking(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Thinking: &converter.ThinkingConfig{Type: "enabled"},
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "thinking", Thinking: "signed reasoning", Signature: validSig},
				{Type: "redacted_thinking", Data: "opaque"},
				{Type: "text", Text: "a"},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{
		TargetFamily:         domain.FamilyGemini,
		ForceDisableThinking: true,
	})
	if res.DegradedThinking != 2 {
		t.Fatalf("DegradedThinking = %d, want 2", res.DegradedThinking)
	}
	if req.Thinking != nil {
		t.Errorf("thinking config must be stripped")
	}
	// redacted block is unrecoverable and dropped, the signed one degrades
	if len(req.Messages[1].Content) != 2 || req.Messages[1].Content[0].Type != "text" {
		t.Errorf("content after force disable = %+v", req.Messages[1].Content)
	}
}

func TestToolIDDecorationStripped(t *testing.T) {
	san, sigs := newTestSanitizer(t)
	decorated := signature.DecorateToolID("toolu_base", validSig)

	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: decorated, Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: decorated, Content: "result"},
			}},
			userText("next"),
		},
	}

	san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if req.Messages[1].Content[0].ID != "toolu_base" {
		t.Errorf("tool_use id = %q, want toolu_base", req.Messages[1].Content[0].ID)
	}
	if req.Messages[2].Content[0].ToolUseID != "toolu_base" {
		t.Errorf("tool_result id = %q, want toolu_base", req.Messages[2].Content[0].ToolUseID)
	}

	// the embedded signature lands in the tool cache
	sig, _, ok := sigs.Recover(signature.RecoveryInput{
		Family:  domain.FamilyGemini,
		ToolIDs: []string{"toolu_base"},
	})
	if !ok || sig != validSig {
		t.Errorf("harvested signature = (%q, %v), want (%q, true)", sig, ok, validSig)
	}
}

func TestToolLoopRestore(t *testing.T) {
	san, sigs := newTestSanitizer(t)

	messages := []converter.ClaudeMessage{
		userText("q"),
		{Role: "assistant", Content: converter.ContentBlocks{
			{Type: "tool_use", ID: "toolu_loop", Name: "search", Input: map[string]interface{}{}},
		}},
	}
	fps := signature.ComputeFingerprints(messages)
	sigs.RecordFingerprints(domain.ClientUnknown, domain.FamilyGemini, fps, validSig, "the lost thinking")

	req := &converter.ClaudeRequest{
		Thinking: &converter.ThinkingConfig{Type: "enabled"},
		Messages: append(append([]converter.ClaudeMessage{}, messages...),
			converter.ClaudeMessage{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_loop", Content: "found it"},
			}}),
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if !res.RestoredThinking {
		t.Fatalf("thinking block must be restored from the session cache")
	}
	first := req.Messages[1].Content[0]
	if first.Type != "thinking" || first.Thinking != "the lost thinking" || first.Signature != validSig {
		t.Errorf("restored block = %+v", first)
	}
	if req.Thinking == nil {
		t.Errorf("thinking config must survive a successful restore")
	}
}

func TestToolLoopDisablesWhenUnrecoverable(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Thinking: &converter.ThinkingConfig{Type: "enabled"},
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_loop", Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_loop", Content: "found it"},
			}},
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if !res.ThinkingDisabled || req.Thinking != nil {
		t.Errorf("unrecoverable tool loop must disable thinking, res=%+v", res)
	}
}

func TestToolResultBeforeItsToolUseDropped(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_later", Content: "too early"},
				{Type: "text", Text: "q"},
			}},
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_later", Name: "search", Input: map[string]interface{}{}},
			}},
		},
	}

	res := san.Sanitize(req, Options{})
	if res.DroppedOrphans != 1 {
		t.Fatalf("DroppedOrphans = %d, want 1", res.DroppedOrphans)
	}
	for _, block := range req.Messages[0].Content {
		if block.Type == "tool_result" {
			t.Errorf("a result preceding its tool call must be dropped")
		}
	}
}

func TestToolResultForEarlierAssistantDropped(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q1"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_old", Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_old", Content: "answered"},
			}},
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "text", Text: "done"},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_old", Content: "stale duplicate"},
				{Type: "text", Text: "q2"},
			}},
		},
	}

	res := san.Sanitize(req, Options{})
	if res.DroppedOrphans != 1 {
		t.Fatalf("DroppedOrphans = %d, want 1", res.DroppedOrphans)
	}
	last := req.Messages[len(req.Messages)-1]
	for _, block := range last.Content {
		if block.Type == "tool_result" {
			t.Errorf("a result answering a non-adjacent assistant turn must be dropped")
		}
	}
}

func TestToolUseSignatureRecoveredFromCache(t *testing.T) {
	san, sigs := newTestSanitizer(t)
	sigs.RecordTool(domain.ClientUnknown, domain.FamilyGemini, "toolu_cached", validSig)

	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_cached", Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_cached", Content: "found"},
			}},
			userText("next"),
		},
	}

	res := san.Sanitize(req, Options{TargetFamily: domain.FamilyGemini})
	if req.Messages[1].Content[0].Signature != validSig {
		t.Fatalf("tool_use signature = %q, want %q", req.Messages[1].Content[0].Signature, validSig)
	}
	if res.RecoveredSignatures == 0 {
		t.Errorf("result must count the recovered signature")
	}
}

func TestToolUseSignatureNotRecoveredForClaudeTarget(t *testing.T) {
	san, sigs := newTestSanitizer(t)
	sigs.RecordTool(domain.ClientUnknown, domain.FamilyClaude, "toolu_cached", validSig)

	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			userText("q"),
			{Role: "assistant", Content: converter.ContentBlocks{
				{Type: "tool_use", ID: "toolu_cached", Name: "search", Input: map[string]interface{}{}},
			}},
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "tool_result", ToolUseID: "toolu_cached", Content: "found"},
			}},
			userText("next"),
		},
	}

	// Anthropic upstreams reject unknown fields on tool_use blocks.
	san.Sanitize(req, Options{TargetFamily: domain.FamilyClaude})
	if sig := req.Messages[1].Content[0].Signature; sig != "" {
		t.Errorf("tool_use signature = %q, want empty for a claude target", sig)
	}
}

func TestCacheControlStripped(t *testing.T) {
	san, _ := newTestSanitizer(t)
	req := &converter.ClaudeRequest{
		Messages: []converter.ClaudeMessage{
			{Role: "user", Content: converter.ContentBlocks{
				{Type: "text", Text: "q", CacheControl: map[string]interface{}{"type": "ephemeral"}},
			}},
		},
	}

	res := san.Sanitize(req, Options{})
	if !res.Changed || req.Messages[0].Content[0].CacheControl != nil {
		t.Errorf("cache_control must be stripped")
	}
}
