package handler

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/executor"
)

// discardWriter swallows a warmup response.
type discardWriter struct {
	header http.Header
}

func (d *discardWriter) Header() http.Header {
	if d.header == nil {
		d.header = http.Header{}
	}
	return d.header
}
func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (d *discardWriter) WriteHeader(int)             {}

// handleWarmup fires a minimal request at each named model so tokens
// and caches are primed before real traffic arrives.
func (s *Server) handleWarmup(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var in struct {
		Models []string `json:"models"`
		Model  string   `json:"model"`

		// Accepted for compatibility with callers that warm up per
		// account. Credentials are bound to backends here, so the email
		// only gets echoed back.
		Email string `json:"email"`
	}
	if err := sonic.Unmarshal(body, &in); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "malformed request body")
		return
	}
	models := in.Models
	if in.Model != "" {
		models = append(models, in.Model)
	}
	if len(models) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request_error", "no models given")
		return
	}

	results := make(map[string]string, len(models))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(4)

	type outcome struct {
		model string
		err   error
	}
	outcomes := make([]outcome, len(models))
	for i, model := range models {
		i, model := i, model
		g.Go(func() error {
			decision, err := s.router.Resolve(model, nil)
			if err != nil {
				outcomes[i] = outcome{model, err}
				return nil
			}
			req := &converter.ClaudeRequest{
				Model:     model,
				MaxTokens: 1,
				Messages: []converter.ClaudeMessage{
					{Role: "user", Content: converter.ContentBlocks{{Type: "text", Text: "Warmup"}}},
				},
			}
			err = s.executor.Execute(ctx, &discardWriter{}, &executor.Input{
				Decision: decision,
				Claude:   req,
				Protocol: domain.ProtocolAnthropic,
				Client:   &domain.ClientInfo{Type: domain.ClientUnknown},
			})
			outcomes[i] = outcome{model, err}
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		if o.model == "" {
			continue
		}
		if o.err != nil {
			results[o.model] = o.err.Error()
		} else {
			results[o.model] = "ok"
		}
	}

	payload := map[string]interface{}{"results": results}
	if in.Email != "" {
		payload["email"] = in.Email
	}
	out, _ := sonic.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}
