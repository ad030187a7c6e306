package context

import (
	"context"
	"net/http"

	"github.com/awsl-project/agw/internal/domain"
	"github.com/awsl-project/agw/internal/event"
)

type contextKey string

const (
	CtxKeyClientInfo      contextKey = "client_info"
	CtxKeyConversationID  contextKey = "conversation_id"
	CtxKeyRequestModel    contextKey = "request_model"
	CtxKeyMappedModel     contextKey = "mapped_model"
	CtxKeyProtocol        contextKey = "protocol"
	CtxKeyProxyRequest    contextKey = "proxy_request"
	CtxKeyRequestBody     contextKey = "request_body"
	CtxKeyUpstreamAttempt contextKey = "upstream_attempt"
	CtxKeyRequestHeaders  contextKey = "request_headers"
	CtxKeyRequestURI      contextKey = "request_uri"
	CtxKeyBroadcaster     contextKey = "broadcaster"
	CtxKeyIsStream        contextKey = "is_stream"
)

// Setters
func WithClientInfo(ctx context.Context, ci *domain.ClientInfo) context.Context {
	return context.WithValue(ctx, CtxKeyClientInfo, ci)
}

func WithConversationID(ctx context.Context, scid string) context.Context {
	return context.WithValue(ctx, CtxKeyConversationID, scid)
}

func WithRequestModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestModel, model)
}

func WithMappedModel(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, CtxKeyMappedModel, model)
}

func WithProtocol(ctx context.Context, p domain.Protocol) context.Context {
	return context.WithValue(ctx, CtxKeyProtocol, p)
}

func WithProxyRequest(ctx context.Context, pr *domain.ProxyRequest) context.Context {
	return context.WithValue(ctx, CtxKeyProxyRequest, pr)
}

func WithRequestBody(ctx context.Context, body []byte) context.Context {
	return context.WithValue(ctx, CtxKeyRequestBody, body)
}

func WithUpstreamAttempt(ctx context.Context, attempt *domain.UpstreamAttempt) context.Context {
	return context.WithValue(ctx, CtxKeyUpstreamAttempt, attempt)
}

func WithRequestHeaders(ctx context.Context, headers http.Header) context.Context {
	return context.WithValue(ctx, CtxKeyRequestHeaders, headers)
}

func WithRequestURI(ctx context.Context, uri string) context.Context {
	return context.WithValue(ctx, CtxKeyRequestURI, uri)
}

func WithBroadcaster(ctx context.Context, bc event.Broadcaster) context.Context {
	return context.WithValue(ctx, CtxKeyBroadcaster, bc)
}

func WithIsStream(ctx context.Context, isStream bool) context.Context {
	return context.WithValue(ctx, CtxKeyIsStream, isStream)
}

// Getters
func GetClientInfo(ctx context.Context) *domain.ClientInfo {
	if v, ok := ctx.Value(CtxKeyClientInfo).(*domain.ClientInfo); ok {
		return v
	}
	return &domain.ClientInfo{Type: domain.ClientUnknown}
}

func GetConversationID(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyConversationID).(string); ok {
		return v
	}
	return ""
}

func GetRequestModel(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestModel).(string); ok {
		return v
	}
	return ""
}

func GetMappedModel(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyMappedModel).(string); ok {
		return v
	}
	return ""
}

func GetProtocol(ctx context.Context) domain.Protocol {
	if v, ok := ctx.Value(CtxKeyProtocol).(domain.Protocol); ok {
		return v
	}
	return domain.ProtocolAnthropic
}

func GetProxyRequest(ctx context.Context) *domain.ProxyRequest {
	if v, ok := ctx.Value(CtxKeyProxyRequest).(*domain.ProxyRequest); ok {
		return v
	}
	return nil
}

func GetRequestBody(ctx context.Context) []byte {
	if v, ok := ctx.Value(CtxKeyRequestBody).([]byte); ok {
		return v
	}
	return nil
}

func GetUpstreamAttempt(ctx context.Context) *domain.UpstreamAttempt {
	if v, ok := ctx.Value(CtxKeyUpstreamAttempt).(*domain.UpstreamAttempt); ok {
		return v
	}
	return nil
}

func GetRequestHeaders(ctx context.Context) http.Header {
	if v, ok := ctx.Value(CtxKeyRequestHeaders).(http.Header); ok {
		return v
	}
	return nil
}

func GetRequestURI(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyRequestURI).(string); ok {
		return v
	}
	return ""
}

func GetBroadcaster(ctx context.Context) event.Broadcaster {
	if v, ok := ctx.Value(CtxKeyBroadcaster).(event.Broadcaster); ok {
		return v
	}
	return event.NopBroadcaster{}
}

func GetIsStream(ctx context.Context) bool {
	if v, ok := ctx.Value(CtxKeyIsStream).(bool); ok {
		return v
	}
	return false
}
