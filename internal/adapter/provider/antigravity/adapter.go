// Package antigravity talks to the Gemini v1internal endpoint using a
// Google OAuth credential.
package antigravity

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
	"github.com/google/uuid"

	"github.com/awsl-project/agw/internal/adapter/provider"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/streaming"
)

// v1internal endpoints, production first with daily-release fallback.
const (
	baseURLProd  = "https://cloudcode-pa.googleapis.com/v1internal"
	baseURLDaily = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal"

	userAgent = "antigravity"
)

func init() {
	provider.Register(domain.BackendAntigravity, NewAdapter)
}

type Adapter struct {
	backend    *domain.Backend
	cfg        *domain.BackendConfigAntigravity
	tokens     *tokenManager
	httpClient *http.Client
}

func NewAdapter(b *domain.Backend) (provider.Adapter, error) {
	if b.Antigravity == nil {
		return nil, fmt.Errorf("backend %s missing antigravity config", b.ID)
	}
	return &Adapter{
		backend:    b,
		cfg:        b.Antigravity,
		tokens:     newTokenManager(b.Antigravity.RefreshToken, &http.Client{Timeout: 30 * time.Second}),
		httpClient: provider.NewHTTPClient(b),
	}, nil
}

func (a *Adapter) endpoints() []string {
	if a.cfg.Endpoint != "" {
		return []string{a.cfg.Endpoint}
	}
	return []string{baseURLProd, baseURLDaily}
}

// wrapV1Internal wraps a Gemini request in the v1internal envelope.
func wrapV1Internal(gem *converter.GeminiRequest, projectID, model string) ([]byte, error) {
	inner, err := sonic.Marshal(gem)
	if err != nil {
		return nil, err
	}
	var innerMap map[string]interface{}
	if err := sonic.Unmarshal(inner, &innerMap); err != nil {
		return nil, err
	}
	delete(innerMap, "model")

	wrapped := map[string]interface{}{
		"project":     projectID,
		"requestId":   "agent-" + uuid.New().String(),
		"request":     innerMap,
		"model":       model,
		"userAgent":   userAgent,
		"requestType": "agent",
	}
	return sonic.Marshal(wrapped)
}

func (a *Adapter) Execute(ctx context.Context, w http.ResponseWriter, req *provider.Request) error {
	// The thinking variants are a routing alias, not a real upstream
	// model name.
	model := strings.TrimSuffix(req.TargetModel, "-thinking")

	gem, err := converter.ClaudeToGemini(req.Claude)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindClientRequestInvalid, false, "request conversion failed")
	}

	body, err := wrapV1Internal(gem, a.cfg.ProjectID, model)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "v1internal wrap failed")
	}

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindUnauthenticatedUpstream, true, "access token refresh failed")
	}

	endpoints := a.endpoints()
	var lastErr error

	for idx, base := range endpoints {
		// Always stream upstream; non-streaming clients get a collected
		// response. Streaming keeps long generations off the
		// request-timeout path.
		upstreamURL := base + ":streamGenerateContent?alt=sse"

		resp, err := a.do(ctx, upstreamURL, token, body)
		if err != nil {
			lastErr = domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream connection failed")
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			a.tokens.Invalidate()
			token, err = a.tokens.Token(ctx)
			if err != nil {
				return domain.NewProxyErrorWithMessage(err, domain.KindUnauthenticatedUpstream, true, "access token refresh failed")
			}
			resp, err = a.do(ctx, upstreamURL, token, body)
			if err != nil {
				lastErr = domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream connection failed")
				continue
			}
		}

		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			proxyErr := classify(resp.StatusCode, errBody, resp.Header)
			lastErr = proxyErr
			if idx+1 < len(endpoints) && shouldTryNextEndpoint(resp.StatusCode) {
				continue
			}
			return proxyErr
		}

		body := provider.NewIdleBody(resp.Body, provider.IdleTimeout(a.backend))
		defer body.Close()
		return a.pipe(ctx, w, body, req)
	}

	if lastErr != nil {
		return lastErr
	}
	return domain.NewProxyError(domain.ErrUpstreamError, domain.KindTransientUpstream, true)
}

func (a *Adapter) do(ctx context.Context, upstreamURL, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	return a.httpClient.Do(req)
}

// pipe converts the upstream Gemini SSE into the client's dialect.
func (a *Adapter) pipe(ctx context.Context, w http.ResponseWriter, upstream io.Reader, req *provider.Request) error {
	type processor interface {
		Process(chunk []byte) []byte
		Finish() []byte
	}

	decorate := req.Client != nil && req.Client.EncodeSignatureIntoToolID
	var proc processor
	if req.Protocol == domain.ProtocolOpenAI {
		proc = streaming.NewGeminiToOpenAIStream(req.RequestModel, decorate, req.Recorder)
	} else {
		proc = streaming.NewGeminiToClaudeStream(req.RequestModel, decorate, req.Recorder)
	}

	if !req.Stream {
		return a.collect(w, upstream, req, proc)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := unwrapSSELine(scanner.Bytes())
		if line == nil {
			continue
		}
		if out := proc.Process(line); len(out) > 0 {
			if _, err := w.Write(out); err != nil {
				return nil // client went away mid-stream
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream stream interrupted")
	}
	if out := proc.Finish(); len(out) > 0 {
		w.Write(out)
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

// collect runs the stream converter to completion and reassembles a
// single JSON response for non-streaming clients.
func (a *Adapter) collect(w http.ResponseWriter, upstream io.Reader, req *provider.Request, proc interface {
	Process(chunk []byte) []byte
	Finish() []byte
}) error {
	var converted []byte
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := unwrapSSELine(scanner.Bytes())
		if line == nil {
			continue
		}
		converted = append(converted, proc.Process(line)...)
	}
	if err := scanner.Err(); err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream stream interrupted")
	}
	converted = append(converted, proc.Finish()...)

	var out []byte
	var err error
	if req.Protocol == domain.ProtocolOpenAI {
		collector := streaming.NewOpenAICollector()
		collector.Write(converted)
		out, err = sonic.Marshal(collector.Response())
	} else {
		collector := streaming.NewClaudeCollector()
		collector.Write(converted)
		out, err = sonic.Marshal(collector.Response())
	}
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "response serialization failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
	return nil
}

// unwrapSSELine strips the v1internal {"response": ...} wrapper from one
// SSE data line. Returns nil for lines that carry no event.
func unwrapSSELine(line []byte) []byte {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	if !bytes.HasPrefix(trimmed, []byte("data: ")) {
		return append(trimmed, '\n', '\n')
	}
	payload := bytes.TrimPrefix(trimmed, []byte("data: "))
	if !bytes.HasPrefix(payload, []byte("{")) {
		return append(trimmed, '\n', '\n')
	}
	var wrapper map[string]interface{}
	if err := sonic.Unmarshal(payload, &wrapper); err != nil {
		return append(trimmed, '\n', '\n')
	}
	if response, ok := wrapper["response"]; ok {
		if unwrapped, err := sonic.Marshal(response); err == nil {
			return append(append([]byte("data: "), unwrapped...), '\n', '\n')
		}
	}
	return append(trimmed, '\n', '\n')
}

// classify maps an upstream error status to a ProxyError.
func classify(status int, body []byte, header http.Header) *domain.ProxyError {
	var retryAfter time.Duration
	if ra := strings.TrimSpace(header.Get("Retry-After")); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	if retryAfter == 0 {
		if info := ParseRetryInfo(status, body); info != nil {
			retryAfter = ApplyJitter(info.Delay)
		}
	}

	var kind domain.ErrorKind
	retryable := false
	switch {
	case status == http.StatusBadRequest && isThinkingSignatureError(body):
		kind = domain.KindInvalidSignatureRejected
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = domain.KindUnauthenticatedUpstream
		retryable = true
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired || IsQuotaExhausted(body):
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

func shouldTryNextEndpoint(status int) bool {
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status == http.StatusNotFound {
		return true
	}
	return status >= 500
}

// isThinkingSignatureError detects signature-rejection 400s.
func isThinkingSignatureError(body []byte) bool {
	lower := strings.ToLower(string(body))
	return strings.Contains(lower, "invalid `signature`") ||
		strings.Contains(lower, "thinking.signature") ||
		strings.Contains(lower, "thinking.thinking") ||
		strings.Contains(lower, "corrupted thought signature") ||
		strings.Contains(lower, "failed to deserialise")
}
