// Package probe decides whether a freshly started proxy is ready to receive
// traffic.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/proxy"
)

// TestStrategy is the readiness probe run after the backend reports a proxy
// as started.
type TestStrategy interface {
	// TestProxy returns true once the proxy responds, false when the retry
	// budget is exhausted.
	TestProxy(ctx context.Context, p proxy.Proxy) bool
}

// AlwaysReady is a TestStrategy that skips probing. Used for backends whose
// start call already implies readiness, and in tests.
type AlwaysReady struct{}

// TestProxy implements TestStrategy.
func (AlwaysReady) TestProxy(context.Context, proxy.Proxy) bool {
	return true
}

// HTTPProbe probes the first target of a proxy with plain GET requests until
// one answers, retrying on a constant interval within a total budget.
type HTTPProbe struct {
	client   *http.Client
	timeout  time.Duration
	interval time.Duration
}

// NewHTTPProbe creates a probe with the given total budget and retry interval.
func NewHTTPProbe(timeout, interval time.Duration) *HTTPProbe {
	return &HTTPProbe{
		client:   &http.Client{Timeout: 5 * time.Second},
		timeout:  timeout,
		interval: interval,
	}
}

// TestProxy implements TestStrategy. Proxies in an unavailable status are
// not testable and pass by definition.
func (h *HTTPProbe) TestProxy(ctx context.Context, p proxy.Proxy) bool {
	if p.Status.Unavailable() {
		return true
	}

	target := firstTarget(p)
	if target == "" {
		logger.Warnf("Proxy %s has no target to probe", p.ID)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := h.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return struct{}{}, fmt.Errorf("target answered %d", resp.StatusCode)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(h.interval)),
		backoff.WithNotify(func(err error, duration time.Duration) {
			logger.Debugf("Readiness probe for proxy %s failed, retrying in %v: %v", p.ID, duration, err)
		}),
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warnf("Readiness probe for proxy %s gave up: %v", p.ID, err)
	}
	return err == nil
}

func firstTarget(p proxy.Proxy) string {
	for _, c := range p.Containers {
		for _, target := range c.Targets {
			return target.String()
		}
	}
	for _, target := range p.Targets {
		return target.String()
	}
	return ""
}
