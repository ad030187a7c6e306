package handler

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// handleModels lists the models the routing table can serve, in OpenAI
// list shape (which Anthropic tooling also accepts).
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	models := s.router.Models()

	data := make([]map[string]interface{}, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]interface{}{
			"id":       m,
			"object":   "model",
			"created":  created,
			"owned_by": "agw",
		})
	}

	out, _ := sonic.Marshal(map[string]interface{}{
		"object": "list",
		"data":   data,
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

// handleHealth reports component counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out, _ := sonic.Marshal(map[string]interface{}{
		"status":        "ok",
		"conversations": s.conversations.Len(),
		"signatures":    s.signatures.Stats(),
		"cooldowns":     s.cooldowns.Snapshot(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}
