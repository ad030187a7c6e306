// Package executor walks a route decision's fallback chain until one
// backend produces a response.
package executor

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agw/internal/adapter/provider"
	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/cooldown"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/router"
	"github.com/awsl-project/agw/internal/sanitizer"
	"github.com/awsl-project/agw/internal/signature"
	"github.com/awsl-project/agw/internal/streaming"
)

// Input is one client request ready for upstream dispatch. Claude is
// the canonical request after client-side merge but before per-target
// sanitization.
type Input struct {
	Decision *domain.RouteDecision
	Claude   *converter.ClaudeRequest
	Protocol domain.Protocol
	Stream   bool
	Client   *domain.ClientInfo

	// SourceFamily is the family the conversation history was produced
	// by, empty when unknown.
	SourceFamily domain.ModelFamily

	// Proxy, when set, accumulates attempt records for broadcasting.
	Proxy *domain.ProxyRequest
}

type Executor struct {
	router     *router.Router
	cooldowns  *cooldown.Manager
	sanitizer  *sanitizer.Sanitizer
	signatures *signature.Cache

	mu       sync.Mutex
	adapters map[string]provider.Adapter
}

func New(rt *router.Router, cd *cooldown.Manager, san *sanitizer.Sanitizer, sigs *signature.Cache) *Executor {
	return &Executor{
		router:     rt,
		cooldowns:  cd,
		sanitizer:  san,
		signatures: sigs,
		adapters:   map[string]provider.Adapter{},
	}
}

// adapterFor returns a cached adapter for a backend, creating it on
// first use. Caching keeps per-credential state (token caches) warm
// across requests.
func (e *Executor) adapterFor(b *domain.Backend) (provider.Adapter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.adapters[b.ID]; ok {
		return a, nil
	}
	factory, ok := provider.GetFactory(b.Type)
	if !ok {
		return nil, domain.NewProxyErrorWithMessage(domain.ErrUnsupportedFormat, domain.KindConfigMissing, false,
			"no adapter for backend type "+string(b.Type))
	}
	a, err := factory(b)
	if err != nil {
		return nil, err
	}
	e.adapters[b.ID] = a
	return a, nil
}

func cloneRequest(req *converter.ClaudeRequest) *converter.ClaudeRequest {
	data, err := sonic.Marshal(req)
	if err != nil {
		return req
	}
	var out converter.ClaudeRequest
	if err := sonic.Unmarshal(data, &out); err != nil {
		return req
	}
	return &out
}

// Execute walks the chain. Each attempt sanitizes a fresh copy of the
// canonical request against the attempt's target family, so a degraded
// attempt never pollutes the next one.
func (e *Executor) Execute(ctx context.Context, w http.ResponseWriter, in *Input) error {
	cw := newCaptureWriter(w)
	var lastErr error

	for _, entry := range in.Decision.Chain {
		backend, ok := e.router.Backend(entry.BackendID)
		if !ok {
			continue
		}
		adapter, err := e.adapterFor(backend)
		if err != nil {
			lastErr = err
			continue
		}

		err = e.attempt(ctx, cw, in, adapter, backend, entry, false)
		if err == nil {
			e.cooldowns.RecordSuccess(backend.ID)
			return nil
		}

		// A rejected signature gets exactly one retry against the same
		// backend with thinking stripped.
		if domain.KindOf(err) == domain.KindInvalidSignatureRejected && !cw.Committed() {
			log.Printf("[Executor] backend=%s signature rejected, retrying without thinking", backend.ID)
			err = e.attempt(ctx, cw, in, adapter, backend, entry, true)
			if err == nil {
				e.cooldowns.RecordSuccess(backend.ID)
				return nil
			}
		}

		lastErr = err
		e.recordFailure(backend.ID, err)

		if cw.Committed() {
			// Bytes are on the wire; the response belongs to this
			// attempt now, broken or not.
			log.Printf("[Executor] backend=%s failed mid-stream, no fallback possible: %v", backend.ID, err)
			return err
		}
		if !domain.IsRetryable(err) {
			return err
		}
		log.Printf("[Executor] backend=%s failed, advancing chain: %v", backend.ID, err)
	}

	if lastErr != nil {
		return lastErr
	}
	return domain.NewProxyError(domain.ErrAllRoutesFailed, domain.KindConfigMissing, false)
}

func (e *Executor) attempt(ctx context.Context, w http.ResponseWriter, in *Input, adapter provider.Adapter,
	backend *domain.Backend, entry domain.ChainEntry, forceDisableThinking bool) error {

	claude := cloneRequest(in.Claude)
	targetFamily := domain.FamilyOfModel(entry.TargetModel)

	if in.Client == nil || in.Client.NeedsSanitization || forceDisableThinking {
		e.sanitizer.Sanitize(claude, sanitizer.Options{
			Client:               in.Client,
			SourceFamily:         in.SourceFamily,
			TargetFamily:         targetFamily,
			ForceDisableThinking: forceDisableThinking,
		})
	}

	recorder := &streaming.Recorder{
		Cache:        e.signatures,
		Family:       targetFamily,
		Fingerprints: signature.ComputeFingerprints(claude.Messages),
	}
	if in.Client != nil {
		recorder.ClientType = in.Client.Type
	}

	attempt := &domain.UpstreamAttempt{
		BackendID:   backend.ID,
		TargetModel: entry.TargetModel,
		StartTime:   time.Now(),
		Status:      "IN_PROGRESS",
	}
	if in.Proxy != nil {
		in.Proxy.Attempts = append(in.Proxy.Attempts, attempt)
	}

	err := adapter.Execute(ctx, w, &provider.Request{
		Backend:      backend,
		RequestModel: in.Decision.RequestModel,
		TargetModel:  entry.TargetModel,
		Claude:       claude,
		Protocol:     in.Protocol,
		Stream:       in.Stream,
		Client:       in.Client,
		Recorder:     recorder,
	})

	attempt.EndTime = time.Now()
	attempt.Duration = attempt.EndTime.Sub(attempt.StartTime)
	if err != nil {
		attempt.Status = "FAILED"
		attempt.Error = err.Error()
		var pe *domain.ProxyError
		if p, ok := err.(*domain.ProxyError); ok {
			pe = p
		}
		if pe != nil {
			attempt.StatusCode = pe.StatusCode
		}
		return err
	}
	attempt.Status = "COMPLETED"
	if in.Proxy != nil {
		in.Proxy.ResponseModel = entry.TargetModel
	}
	return nil
}

func (e *Executor) recordFailure(backendID string, err error) {
	kind := domain.KindOf(err)
	switch kind {
	case domain.KindQuotaExhausted, domain.KindUnauthenticatedUpstream, domain.KindTransientUpstream:
		var retryAfter time.Duration
		if pe, ok := err.(*domain.ProxyError); ok {
			retryAfter = pe.RetryAfter
		}
		e.cooldowns.RecordFailure(backendID, cooldown.ReasonFromKind(kind), retryAfter)
	}
}
