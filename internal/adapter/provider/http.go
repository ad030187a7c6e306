package provider

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/awsl-project/agw/internal/domain"
)

// Upstream deadline defaults. FirstByte bounds the wait for response
// headers; Idle bounds the gap between reads while streaming.
const (
	DefaultFirstByteTimeout = 120 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
)

func backendDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return def
}

// FirstByteTimeout resolves the backend's first-byte deadline.
func FirstByteTimeout(b *domain.Backend) time.Duration {
	return backendDuration(b.FirstByteTimeout, DefaultFirstByteTimeout)
}

// IdleTimeout resolves the backend's streaming idle deadline.
func IdleTimeout(b *domain.Backend) time.Duration {
	return backendDuration(b.IdleTimeout, DefaultIdleTimeout)
}

// NewHTTPClient builds the upstream client for a backend. The deadline
// rides on the transport's header timeout rather than Client.Timeout so
// long streaming bodies are never cut off mid-flight.
func NewHTTPClient(b *domain.Backend) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: FirstByteTimeout(b),
		},
	}
}

// IdleBody wraps a streaming response body and force-closes it when no
// bytes arrive within the idle window. A stalled upstream then surfaces
// as a read error instead of hanging the request forever.
type IdleBody struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func NewIdleBody(body io.ReadCloser, timeout time.Duration) *IdleBody {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	ib := &IdleBody{body: body, timeout: timeout}
	ib.timer = time.AfterFunc(timeout, func() {
		ib.expired.Store(true)
		body.Close()
	})
	return ib
}

func (ib *IdleBody) Read(p []byte) (int, error) {
	n, err := ib.body.Read(p)
	if err != nil && ib.expired.Load() {
		return n, fmt.Errorf("upstream stream idle for %s: %w", ib.timeout, err)
	}
	ib.timer.Reset(ib.timeout)
	return n, err
}

// TimedOut reports whether a read failure was deadline-driven.
func (ib *IdleBody) TimedOut() bool {
	return ib.expired.Load()
}

func (ib *IdleBody) Close() error {
	ib.timer.Stop()
	return ib.body.Close()
}
