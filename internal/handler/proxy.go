package handler

import (
	"io"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agw/internal/client"
	"github.com/awsl-project/agw/internal/conversation"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/executor"
)

const maxRequestBody = 64 << 20

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req converter.ClaudeRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	s.dispatch(w, r, &req, domain.ProtocolAnthropic, req.Stream)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var oaReq converter.OpenAIRequest
	if err := sonic.Unmarshal(body, &oaReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	if oaReq.Model == "" || len(oaReq.Messages) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "model and messages are required")
		return
	}

	req, err := converter.OpenAIToClaude(&oaReq)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	s.dispatch(w, r, req, domain.ProtocolOpenAI, oaReq.Stream)
}

// dispatch runs the shared pipeline: client detection, conversation
// state, routing, execution.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *converter.ClaudeRequest,
	protocol domain.Protocol, stream bool) {

	clientInfo := client.Detect(r.Header)

	// Conversation state. A known SCID makes the server history
	// authoritative; otherwise a fresh conversation is minted.
	scid := r.Header.Get(ConversationIDHeader)
	var state *domain.ConversationState
	if scid != "" && conversation.IsSCID(scid) {
		if loaded, ok := s.conversations.Load(scid); ok {
			state = loaded
			req.Messages = conversation.MergeClientHistory(state, req.Messages)
		}
	}
	if state == nil {
		scid = conversation.NewSCID()
		state = s.conversations.Create(scid, clientInfo.Type, domain.FamilyOfModel(req.Model))
	}
	w.Header().Set(ConversationIDHeader, scid)

	decision, err := s.router.Resolve(req.Model, clientInfo)
	if err != nil {
		s.writeProxyError(w, protocol, err)
		return
	}

	proxy := &domain.ProxyRequest{
		RequestID:    uuid.New().String(),
		SCID:         scid,
		ClientType:   clientInfo.Type,
		Protocol:     protocol,
		RequestModel: req.Model,
		StartTime:    time.Now(),
		Status:       "IN_PROGRESS",
	}
	s.broadcaster.BroadcastRequestStarted(proxy)

	// Mirror the outgoing response so the assistant turn can be folded
	// into the conversation history.
	tee := newResponseTee(w, maxRequestBody)

	err = s.executor.Execute(r.Context(), tee, &executor.Input{
		Decision:     decision,
		Claude:       req,
		Protocol:     protocol,
		Stream:       stream,
		Client:       clientInfo,
		SourceFamily: state.Family,
		Proxy:        proxy,
	})

	proxy.EndTime = time.Now()
	proxy.Duration = proxy.EndTime.Sub(proxy.StartTime)

	if err != nil {
		proxy.Status = "FAILED"
		s.broadcaster.BroadcastRequestCompleted(proxy)
		log.Printf("[Proxy] request %s failed: %v", proxy.RequestID, err)
		s.writeProxyError(w, protocol, err)
		return
	}

	proxy.Status = "COMPLETED"
	s.broadcaster.BroadcastRequestCompleted(proxy)

	// The merged request plus the assistant turn we just produced become
	// the authoritative history. The client's next-turn echo is
	// reconciled against it by the merge; without the assistant turn the
	// merge would have no open tool_use set to pair tool results with.
	if turn, ok := assistantTurn(tee.Body(), protocol, stream); ok {
		s.conversations.SetHistory(state, append(req.Messages, turn))
	}
	if proxy.ResponseModel != "" {
		state.Family = domain.FamilyOfModel(proxy.ResponseModel)
	}
}

// writeProxyError renders an error in the client's dialect. Nothing is
// written when the response already started streaming.
func (s *Server) writeProxyError(w http.ResponseWriter, protocol domain.Protocol, err error) {
	status := http.StatusBadGateway
	message := err.Error()
	errType := "api_error"

	if pe, ok := err.(*domain.ProxyError); ok {
		switch pe.Kind {
		case domain.KindClientRequestInvalid:
			status = http.StatusBadRequest
			errType = "invalid_request_error"
		case domain.KindQuotaExhausted:
			status = http.StatusTooManyRequests
			errType = "rate_limit_error"
			if pe.RetryAfter > 0 {
				w.Header().Set("Retry-After", formatRetryAfter(pe.RetryAfter))
			}
		case domain.KindUnauthenticatedUpstream:
			status = http.StatusBadGateway
		case domain.KindConfigMissing:
			status = http.StatusNotFound
			errType = "not_found_error"
		case domain.KindInternalBug:
			status = http.StatusInternalServerError
		}
		if pe.Message != "" {
			message = pe.Message
		}
	}

	if protocol == domain.ProtocolOpenAI {
		writeOpenAIError(w, status, errType, message)
		return
	}
	writeJSONError(w, status, errType, message)
}

func formatRetryAfter(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	data, _ := sonic.Marshal(secs)
	return string(data)
}

// writeJSONError emits an Anthropic-shaped error body.
func writeJSONError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := sonic.Marshal(map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
	w.Write(data)
}

// writeOpenAIError emits an OpenAI-shaped error body.
func writeOpenAIError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := sonic.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
			"code":    nil,
		},
	})
	w.Write(data)
}
