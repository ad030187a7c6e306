// Package copilot talks to an OpenAI-native upstream through the GitHub
// Copilot completion endpoint.
package copilot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/adapter/provider"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/streaming"
)

func init() {
	provider.Register(domain.BackendCopilot, NewAdapter)
}

type Adapter struct {
	backend    *domain.Backend
	cfg        *domain.BackendConfigCopilot
	httpClient *http.Client
}

func NewAdapter(b *domain.Backend) (provider.Adapter, error) {
	if b.Copilot == nil || b.Copilot.BaseURL == "" {
		return nil, fmt.Errorf("backend %s missing copilot config", b.ID)
	}
	return &Adapter{
		backend:    b,
		cfg:        b.Copilot,
		httpClient: provider.NewHTTPClient(b),
	}, nil
}

func (a *Adapter) Execute(ctx context.Context, w http.ResponseWriter, req *provider.Request) error {
	oaReq, err := converter.ClaudeToOpenAI(req.Claude)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindClientRequestInvalid, false, "request conversion failed")
	}
	oaReq.Model = req.TargetModel
	oaReq.Stream = req.Stream

	body, err := sonic.Marshal(oaReq)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "request serialization failed")
	}

	upstreamURL := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "request build failed")
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	upstreamReq.Header.Set("Copilot-Integration-Id", "vscode-chat")
	upstreamReq.Header.Set("Editor-Version", "vscode/1.95.0")

	resp, err := a.httpClient.Do(upstreamReq)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream connection failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return classify(resp.StatusCode, errBody, resp.Header)
	}

	idleBody := provider.NewIdleBody(resp.Body, provider.IdleTimeout(a.backend))
	defer idleBody.Close()
	if req.Stream {
		return a.pipeStream(ctx, w, idleBody, req)
	}
	return a.writeResponse(w, idleBody, req)
}

func (a *Adapter) pipeStream(ctx context.Context, w http.ResponseWriter, upstream io.Reader, req *provider.Request) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	// OpenAI clients get the stream verbatim; Anthropic clients get a
	// converted one. There are no signatures to harvest on this path.
	var conv *streaming.OpenAIToClaudeStream
	if req.Protocol == domain.ProtocolAnthropic {
		conv = streaming.NewOpenAIToClaudeStream(req.RequestModel)
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := append(scanner.Bytes(), '\n')
		var out []byte
		if conv != nil {
			out = conv.Process(line)
		} else {
			out = line
		}
		if len(out) > 0 {
			if _, err := w.Write(out); err != nil {
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream stream interrupted")
	}
	if conv != nil {
		if out := conv.Finish(); len(out) > 0 {
			w.Write(out)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	return nil
}

func (a *Adapter) writeResponse(w http.ResponseWriter, upstream io.Reader, req *provider.Request) error {
	body, err := io.ReadAll(upstream)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream read failed")
	}

	out := body
	if req.Protocol == domain.ProtocolAnthropic {
		var oaResp converter.OpenAIResponse
		if err := sonic.Unmarshal(body, &oaResp); err != nil {
			return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream response parse failed")
		}
		out, err = sonic.Marshal(converter.OpenAIResponseToClaude(&oaResp, req.RequestModel))
		if err != nil {
			return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "response conversion failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
	return nil
}

func classify(status int, body []byte, header http.Header) *domain.ProxyError {
	var retryAfter time.Duration
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}

	var kind domain.ErrorKind
	retryable := false
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.KindUnauthenticatedUpstream
		retryable = true
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		kind = domain.KindQuotaExhausted
		retryable = true
	case status >= 500:
		kind = domain.KindTransientUpstream
		retryable = true
	default:
		kind = domain.KindClientRequestInvalid
	}

	pe := domain.NewProxyErrorWithMessage(
		fmt.Errorf("upstream error: %s", string(body)),
		kind, retryable,
		fmt.Sprintf("upstream returned status %d", status),
	)
	pe.StatusCode = status
	pe.RetryAfter = retryAfter
	return pe
}
