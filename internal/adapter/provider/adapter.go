// Package provider defines the upstream adapter contract and the factory
// registry backends are constructed through.
package provider

import (
	"context"
	"net/http"

	"github.com/awsl-project/agw/internal/converter"
	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/streaming"
)

// Request carries one upstream attempt. Claude is the sanitized
// canonical request; adapters convert outward from it.
type Request struct {
	Backend      *domain.Backend
	RequestModel string
	TargetModel  string

	Claude *converter.ClaudeRequest

	// Protocol the client speaks; the adapter's response must be in this
	// dialect.
	Protocol domain.Protocol

	// Whether the client asked for a streaming response.
	Stream bool

	Client *domain.ClientInfo

	// Recorder harvests thought signatures off the response stream. May
	// be nil.
	Recorder *streaming.Recorder
}

// Adapter handles communication with one upstream backend type.
type Adapter interface {
	// Execute performs the upstream call and writes the client-dialect
	// response to w. Returns a *domain.ProxyError on failure; nothing may
	// have been written to w when a retryable error is returned.
	Execute(ctx context.Context, w http.ResponseWriter, req *Request) error
}

// Factory creates an Adapter bound to one backend credential.
type Factory func(b *domain.Backend) (Adapter, error)

var factories = map[domain.BackendType]Factory{}

func Register(t domain.BackendType, f Factory) {
	factories[t] = f
}

func GetFactory(t domain.BackendType) (Factory, bool) {
	f, ok := factories[t]
	return f, ok
}
