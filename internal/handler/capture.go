package handler

import (
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/streaming"
)

// responseTee mirrors the bytes written to the client so the assistant
// turn can be appended to the conversation history afterwards. Capture
// is bounded; an oversized response is simply not captured.
type responseTee struct {
	http.ResponseWriter
	status   int
	limit    int
	body     []byte
	overflow bool
}

func newResponseTee(w http.ResponseWriter, limit int) *responseTee {
	return &responseTee{ResponseWriter: w, status: http.StatusOK, limit: limit}
}

func (t *responseTee) WriteHeader(status int) {
	t.status = status
	t.ResponseWriter.WriteHeader(status)
}

func (t *responseTee) Write(p []byte) (int, error) {
	if !t.overflow {
		if len(t.body)+len(p) > t.limit {
			t.overflow = true
			t.body = nil
		} else {
			t.body = append(t.body, p...)
		}
	}
	return t.ResponseWriter.Write(p)
}

func (t *responseTee) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Body returns the captured response, or nil when capture overflowed or
// the response was not a success.
func (t *responseTee) Body() []byte {
	if t.overflow || t.status != http.StatusOK {
		return nil
	}
	return t.body
}

// assistantTurn parses a client-dialect response body back into the
// assistant message it carried. Streaming bodies are reassembled with
// the same collectors the adapters use for non-streaming clients.
func assistantTurn(body []byte, protocol domain.Protocol, stream bool) (converter.ClaudeMessage, bool) {
	if len(body) == 0 {
		return converter.ClaudeMessage{}, false
	}

	var resp *converter.ClaudeResponse
	switch {
	case protocol == domain.ProtocolOpenAI && stream:
		collector := streaming.NewOpenAICollector()
		collector.Write(body)
		resp = converter.OpenAIResponseToClaude(collector.Response(), "")
	case protocol == domain.ProtocolOpenAI:
		var oa converter.OpenAIResponse
		if err := sonic.Unmarshal(body, &oa); err != nil {
			return converter.ClaudeMessage{}, false
		}
		resp = converter.OpenAIResponseToClaude(&oa, "")
	case stream:
		collector := streaming.NewClaudeCollector()
		collector.Write(body)
		resp = collector.Response()
	default:
		var cr converter.ClaudeResponse
		if err := sonic.Unmarshal(body, &cr); err != nil {
			return converter.ClaudeMessage{}, false
		}
		resp = &cr
	}

	if resp == nil || len(resp.Content) == 0 {
		return converter.ClaudeMessage{}, false
	}
	return converter.ClaudeMessage{
		Role:    "assistant",
		Content: converter.ContentBlocks(resp.Content),
	}, true
}
