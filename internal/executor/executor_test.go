package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/awsl-project/agw/internal/adapter/provider"
	"github.com/awsl-project/agw/internal/cache"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/cooldown"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/router"
	"github.com/awsl-project/agw/internal/sanitizer"
	"github.com/awsl-project/agw/internal/signature"
)

const stubBackendType domain.BackendType = "stub"

// stubBehaviors scripts each stub backend's Execute, keyed by backend id.
var stubBehaviors map[string]func(w http.ResponseWriter, req *provider.Request) error

type stubAdapter struct {
	backendID string
}

func (a *stubAdapter) Execute(_ context.Context, w http.ResponseWriter, req *provider.Request) error {
	return stubBehaviors[a.backendID](w, req)
}

func init() {
	provider.Register(stubBackendType, func(b *domain.Backend) (provider.Adapter, error) {
		return &stubAdapter{backendID: b.ID}, nil
	})
}

func newTestExecutor(t *testing.T, backendIDs ...string) (*Executor, *cooldown.Manager) {
	t.Helper()

	table := &router.Table{}
	var chain []domain.ChainEntry
	for _, id := range backendIDs {
		table.Backends = append(table.Backends, domain.Backend{
			ID: id, Type: stubBackendType, IsEnabled: true,
		})
		chain = append(chain, domain.ChainEntry{BackendID: id})
	}
	table.Rules = []router.Rule{{Pattern: "*", Chain: chain}}

	cd := cooldown.NewManager(cooldown.Config{})
	rt := router.New(table, cd)

	thinking := cache.New(cache.Config{Name: "thinking-test"})
	tool := cache.New(cache.Config{Name: "tool-test"})
	session := cache.New(cache.Config{Name: "session-test"})
	t.Cleanup(func() {
		thinking.Close()
		tool.Close()
		session.Close()
	})
	sigs := signature.NewCache(signature.Config{}, thinking, tool, session)

	return New(rt, cd, sanitizer.New(sigs), sigs), cd
}

func testInput(backendIDs ...string) *Input {
	var chain []domain.ChainEntry
	for _, id := range backendIDs {
		chain = append(chain, domain.ChainEntry{BackendID: id, TargetModel: "gemini-3-pro"})
	}
	return &Input{
		Decision: &domain.RouteDecision{RequestModel: "gemini-3-pro", Chain: chain},
		Claude: &converter.ClaudeRequest{
			Model:     "gemini-3-pro",
			MaxTokens: 16,
			Messages: []converter.ClaudeMessage{
				{Role: "user", Content: converter.ContentBlocks{{Type: "text", Text: "q"}}},
			},
		},
		Protocol: domain.ProtocolAnthropic,
		Proxy:    &domain.ProxyRequest{},
	}
}

func TestExecuteFirstBackendSucceeds(t *testing.T) {
	ex, _ := newTestExecutor(t, "b1", "b2")
	var calls []string
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(w http.ResponseWriter, _ *provider.Request) error {
			calls = append(calls, "b1")
			w.Write([]byte(`{"ok":true}`))
			return nil
		},
		"b2": func(http.ResponseWriter, *provider.Request) error {
			calls = append(calls, "b2")
			return nil
		},
	}

	rec := httptest.NewRecorder()
	in := testInput("b1", "b2")
	if err := ex.Execute(context.Background(), rec, in); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "b1" {
		t.Errorf("calls = %v", calls)
	}
	if in.Proxy.ResponseModel != "gemini-3-pro" {
		t.Errorf("response model = %q", in.Proxy.ResponseModel)
	}
	if len(in.Proxy.Attempts) != 1 || in.Proxy.Attempts[0].Status != "COMPLETED" {
		t.Errorf("attempts = %+v", in.Proxy.Attempts)
	}
}

func TestExecuteAdvancesOnRetryable(t *testing.T) {
	ex, cd := newTestExecutor(t, "b1", "b2")
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(http.ResponseWriter, *provider.Request) error {
			return domain.NewProxyError(domain.ErrUpstreamError, domain.KindTransientUpstream, true)
		},
		"b2": func(http.ResponseWriter, *provider.Request) error {
			return nil
		},
	}

	in := testInput("b1", "b2")
	if err := ex.Execute(context.Background(), httptest.NewRecorder(), in); err != nil {
		t.Fatal(err)
	}
	if len(in.Proxy.Attempts) != 2 {
		t.Fatalf("attempts = %+v", in.Proxy.Attempts)
	}
	if in.Proxy.Attempts[0].Status != "FAILED" || in.Proxy.Attempts[1].Status != "COMPLETED" {
		t.Errorf("attempt statuses = %s, %s", in.Proxy.Attempts[0].Status, in.Proxy.Attempts[1].Status)
	}
	if on, _ := cd.IsInCooldown("b1"); !on {
		t.Errorf("failed backend must be put on cooldown")
	}
	if on, _ := cd.IsInCooldown("b2"); on {
		t.Errorf("successful backend must not be cooling")
	}
}

func TestExecuteStopsOnNonRetryable(t *testing.T) {
	ex, _ := newTestExecutor(t, "b1", "b2")
	called := map[string]int{}
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(http.ResponseWriter, *provider.Request) error {
			called["b1"]++
			return domain.NewProxyError(domain.ErrInvalidInput, domain.KindClientRequestInvalid, false)
		},
		"b2": func(http.ResponseWriter, *provider.Request) error {
			called["b2"]++
			return nil
		},
	}

	err := ex.Execute(context.Background(), httptest.NewRecorder(), testInput("b1", "b2"))
	if err == nil {
		t.Fatal("non-retryable failure must propagate")
	}
	if domain.KindOf(err) != domain.KindClientRequestInvalid {
		t.Errorf("kind = %s", domain.KindOf(err))
	}
	if called["b2"] != 0 {
		t.Errorf("chain must not advance past a non-retryable error")
	}
}

func TestExecuteNoFallbackAfterCommit(t *testing.T) {
	ex, _ := newTestExecutor(t, "b1", "b2")
	called := map[string]int{}
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(w http.ResponseWriter, _ *provider.Request) error {
			called["b1"]++
			// bytes hit the wire before the failure
			w.Write([]byte("event: message_start\n"))
			return domain.NewProxyError(domain.ErrUpstreamError, domain.KindTransientUpstream, true)
		},
		"b2": func(http.ResponseWriter, *provider.Request) error {
			called["b2"]++
			return nil
		},
	}

	err := ex.Execute(context.Background(), httptest.NewRecorder(), testInput("b1", "b2"))
	if err == nil {
		t.Fatal("mid-stream failure must propagate")
	}
	if called["b2"] != 0 {
		t.Errorf("no fallback once bytes are committed")
	}
}

func TestExecuteSignatureRejectRetry(t *testing.T) {
	ex, _ := newTestExecutor(t, "b1")
	var sawThinking []bool
	attempts := 0
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(_ http.ResponseWriter, req *provider.Request) error {
			attempts++
			hasThinking := false
			for _, msg := range req.Claude.Messages {
				for _, block := range msg.Content {
					if block.Type == "thinking" {
						hasThinking = true
					}
				}
			}
			sawThinking = append(sawThinking, hasThinking)
			if attempts == 1 {
				return domain.NewProxyError(domain.ErrUpstreamError, domain.KindInvalidSignatureRejected, true)
			}
			return nil
		},
	}

	in := testInput("b1")
	in.Claude.Messages = append(in.Claude.Messages,
		converter.ClaudeMessage{Role: "assistant", Content: converter.ContentBlocks{
			{Type: "thinking", Thinking: "prior reasoning", Signature: "a-valid-signature-for-tests"},
			{Type: "text", Text: "a"},
		}},
		converter.ClaudeMessage{Role: "user", Content: converter.ContentBlocks{{Type: "text", Text: "next"}}},
	)

	if err := ex.Execute(context.Background(), httptest.NewRecorder(), in); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if !sawThinking[0] {
		t.Errorf("first attempt must carry the signed thinking block")
	}
	if sawThinking[1] {
		t.Errorf("retry after signature rejection must have thinking stripped")
	}
}

func TestExecuteAttemptIsolation(t *testing.T) {
	// the canonical request must be untouched by per-attempt sanitization
	ex, _ := newTestExecutor(t, "b1", "b2")
	stubBehaviors = map[string]func(http.ResponseWriter, *provider.Request) error{
		"b1": func(http.ResponseWriter, *provider.Request) error {
			return domain.NewProxyError(domain.ErrUpstreamError, domain.KindTransientUpstream, true)
		},
		"b2": func(_ http.ResponseWriter, req *provider.Request) error {
			if req.Claude.Messages[1].Content[0].Type != "text" {
				t.Errorf("second attempt saw %q", req.Claude.Messages[1].Content[0].Type)
			}
			return nil
		},
	}

	in := testInput("b1", "b2")
	in.Claude.Messages = append(in.Claude.Messages,
		converter.ClaudeMessage{Role: "assistant", Content: converter.ContentBlocks{
			{Type: "thinking", Thinking: "unsigned"},
			{Type: "text", Text: "a"},
		}},
		converter.ClaudeMessage{Role: "user", Content: converter.ContentBlocks{{Type: "text", Text: "next"}}},
	)

	if err := ex.Execute(context.Background(), httptest.NewRecorder(), in); err != nil {
		t.Fatal(err)
	}
	// the shared canonical copy still has its thinking block
	if in.Claude.Messages[1].Content[0].Type != "thinking" {
		t.Errorf("canonical request was mutated: %+v", in.Claude.Messages[1].Content[0])
	}
}
