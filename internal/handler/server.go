// Package handler terminates the client-facing HTTP surface.
package handler

import (
	"net/http"

	"github.com/awsl-project/agw/internal/config"
	"github.com/awsl-project/agw/internal/conversation"
	"github.com/awsl-project/agw/internal/cooldown"
	"github.com/awsl-project/agw/internal/event"
	"github.com/awsl-project/agw/internal/executor"
	"github.com/awsl-project/agw/internal/router"
	"github.com/awsl-project/agw/internal/signature"
)

// ConversationIDHeader carries the server conversation id both ways.
const ConversationIDHeader = "X-AG-Conversation-Id"

type Server struct {
	cfg           *config.Config
	router        *router.Router
	executor      *executor.Executor
	conversations *conversation.Store
	signatures    *signature.Cache
	cooldowns     *cooldown.Manager
	broadcaster   event.Broadcaster
	hub           *Hub
}

func NewServer(cfg *config.Config, rt *router.Router, ex *executor.Executor,
	convs *conversation.Store, sigs *signature.Cache, cds *cooldown.Manager, hub *Hub) *Server {
	var bc event.Broadcaster = event.NopBroadcaster{}
	if hub != nil {
		bc = hub
	}
	return &Server{
		cfg:           cfg,
		router:        rt,
		executor:      ex,
		conversations: convs,
		signatures:    sigs,
		cooldowns:     cds,
		broadcaster:   bc,
		hub:           hub,
	}
}

// Routes builds the HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	auth := s.requireToken

	mux.HandleFunc("POST /v1/messages", auth(s.handleMessages))
	mux.HandleFunc("POST /antigravity/v1/messages", auth(s.handleMessages))
	mux.HandleFunc("POST /v1/chat/completions", auth(s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", auth(s.handleModels))
	mux.HandleFunc("POST /internal/warmup", auth(s.handleWarmup))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	return mux
}
