// Package kiro talks to an Anthropic-native upstream: the canonical
// request goes out almost as-is.
package kiro

import (
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
	provider.Register(domain.BackendKiro, NewAdapter)
}

type Adapter struct {
	backend    *domain.Backend
	cfg        *domain.BackendConfigKiro
	httpClient *http.Client
}

func NewAdapter(b *domain.Backend) (provider.Adapter, error) {
	if b.Kiro == nil || b.Kiro.BaseURL == "" {
		return nil, fmt.Errorf("backend %s missing kiro config", b.ID)
	}
	return &Adapter{
		backend:    b,
		cfg:        b.Kiro,
		httpClient: provider.NewHTTPClient(b),
	}, nil
}

func (a *Adapter) Execute(ctx context.Context, w http.ResponseWriter, req *provider.Request) error {
	out := *req.Claude
	out.Model = req.TargetModel
	out.Stream = req.Stream

	body, err := sonic.Marshal(&out)
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "request serialization failed")
	}

	upstreamURL := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/v1/messages"
	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindInternalBug, false, "request build failed")
	}
	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("x-api-key", a.cfg.APIKey)
	upstreamReq.Header.Set("anthropic-version", "2023-06-01")

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

	// Anthropic clients get the upstream stream verbatim, with
	// signatures harvested as they pass. OpenAI clients get a converted
	// stream.
	var conv *streaming.ClaudeToOpenAIStream
	var harvester *streaming.ClaudeHarvester
	if req.Protocol == domain.ProtocolOpenAI {
		conv = streaming.NewClaudeToOpenAIStream(req.RequestModel, req.Recorder)
	} else {
		harvester = streaming.NewClaudeHarvester(req.Recorder)
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := upstream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			var outBytes []byte
			if conv != nil {
				outBytes = conv.Process(chunk)
			} else {
				harvester.Observe(chunk)
				outBytes = chunk
			}
			if len(outBytes) > 0 {
				if _, werr := w.Write(outBytes); werr != nil {
					return nil
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream stream interrupted")
			}
			break
		}
	}
	if conv != nil {
		if outBytes := conv.Finish(); len(outBytes) > 0 {
			w.Write(outBytes)
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

	var claudeResp converter.ClaudeResponse
	if err := sonic.Unmarshal(body, &claudeResp); err != nil {
		return domain.NewProxyErrorWithMessage(err, domain.KindTransientUpstream, true, "upstream response parse failed")
	}
	streaming.HarvestResponse(req.Recorder, &claudeResp)

	out := body
	if req.Protocol == domain.ProtocolOpenAI {
		out, err = sonic.Marshal(converter.ClaudeResponseToOpenAI(&claudeResp, req.RequestModel))
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

	lower := strings.ToLower(string(body))
	var kind domain.ErrorKind
	retryable := false
	switch {
	case status == http.StatusBadRequest && strings.Contains(lower, "signature"):
		kind = domain.KindInvalidSignatureRejected
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
