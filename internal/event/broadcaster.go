package event

import "github.com/awsl-project/agw/internal/domain"

// Broadcaster pushes request lifecycle updates to subscribers. The proxy
// path treats it as fire-and-forget; implementations must not block.
type Broadcaster interface {
	BroadcastRequestStarted(req *domain.ProxyRequest)
	BroadcastRequestUpdated(req *domain.ProxyRequest)
	BroadcastRequestCompleted(req *domain.ProxyRequest)
	BroadcastLog(line string)
}

// NopBroadcaster discards all events.
type NopBroadcaster struct{}

func (NopBroadcaster) BroadcastRequestStarted(*domain.ProxyRequest)   {}
func (NopBroadcaster) BroadcastRequestUpdated(*domain.ProxyRequest)   {}
func (NopBroadcaster) BroadcastRequestCompleted(*domain.ProxyRequest) {}
func (NopBroadcaster) BroadcastLog(string)                            {}
