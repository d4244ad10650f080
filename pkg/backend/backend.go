// Package backend defines the interface the proxy core consumes from a
// container backend, and the error contract around failed starts.
package backend

import (
	"context"
	"fmt"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
)

// ContainerBackend starts, stops, pauses and resumes the containers of a
// proxy.
//
// StartProxy is all-or-nothing from the caller's perspective: either it
// returns a proxy whose containers carry backend ids and targets, or it
// fails with a *ProxyFailedToStartError carrying whatever partial state must
// be cleaned up.
type ContainerBackend interface {
	// StartProxy creates and starts the containers for the given resolved
	// spec. user is nil for pool-owned delegate proxies.
	StartProxy(ctx context.Context, user *auth.Identity, p proxy.Proxy, resolvedSpec *spec.ProxySpec, startupLog *events.StartupLog) (proxy.Proxy, error)
	// StopProxy stops and removes the containers of the proxy.
	StopProxy(ctx context.Context, p proxy.Proxy) error
	// PauseProxy suspends the containers of the proxy.
	PauseProxy(ctx context.Context, p proxy.Proxy) error
	// ResumeProxy unsuspends the containers of the proxy.
	ResumeProxy(ctx context.Context, p proxy.Proxy, resolvedSpec *spec.ProxySpec) (proxy.Proxy, error)
	// SupportsPause is a static capability flag.
	SupportsPause() bool
	// AddRuntimeValuesBeforeResolve lets the backend attach runtime values
	// that spec expressions may reference.
	AddRuntimeValuesBeforeResolve(user *auth.Identity, s *spec.ProxySpec, p proxy.Proxy) (proxy.Proxy, error)
}

// ProxyFailedToStartError reports a partially started proxy. The embedded
// proxy carries the containers that were created before the failure so the
// caller can stop them.
type ProxyFailedToStartError struct {
	Proxy proxy.Proxy
	Err   error
}

// Error implements error.
func (e *ProxyFailedToStartError) Error() string {
	return fmt.Sprintf("proxy %s failed to start: %v", e.Proxy.ID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyFailedToStartError) Unwrap() error {
	return e.Err
}
