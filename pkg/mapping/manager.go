// Package mapping maintains the registry of reverse-proxy routes.
//
// Routes are keyed by mapping name, not by proxy id: the same name must
// never be live for two proxies at once. The registry enforces this with a
// unique-insert check; violating it is programmer error.
package mapping

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/logger"
)

type mapping struct {
	proxyID string
	target  *url.URL
}

// Manager is the route registry consumed by the proxy lifecycle engine and
// mounted into the HTTP server as a catch-all dispatcher.
type Manager struct {
	pathPrefix string

	mu       sync.RWMutex
	mappings map[string]mapping
}

// NewManager creates an empty registry serving under the given path prefix.
func NewManager(pathPrefix string) *Manager {
	return &Manager{
		pathPrefix: pathPrefix,
		mappings:   make(map[string]mapping),
	}
}

// AddMapping registers a route. Registering a name that is already live for
// a different proxy fails; re-registering the same proxy's route is a no-op
// update of the target.
func (m *Manager) AddMapping(proxyID, name string, target *url.URL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.mappings[name]; ok && existing.proxyID != proxyID {
		return errors.NewIllegalStateError(
			"mapping "+name+" is already registered for proxy "+existing.proxyID, nil)
	}
	m.mappings[name] = mapping{proxyID: proxyID, target: target}
	return nil
}

// RemoveMapping unregisters a route. Unknown names are ignored.
func (m *Manager) RemoveMapping(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, name)
}

// Target returns the target URL of a route, or nil when the route is not live.
func (m *Manager) Target(name string) *url.URL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.mappings[name]; ok {
		return mp.target
	}
	return nil
}

// MappingsOf returns the route names currently registered for a proxy.
func (m *Manager) MappingsOf(proxyID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, mp := range m.mappings {
		if mp.proxyID == proxyID {
			names = append(names, name)
		}
	}
	return names
}

// Routes returns a chi router that dispatches requests under the configured
// path prefix to the registered targets.
func (m *Manager) Routes() chi.Router {
	r := chi.NewRouter()
	r.Handle("/*", http.HandlerFunc(m.dispatch))
	return r
}

func (m *Manager) dispatch(w http.ResponseWriter, req *http.Request) {
	name, rest := splitRoute(strings.TrimPrefix(req.URL.Path, m.pathPrefix))
	target := m.Target(name)
	if target == nil {
		http.NotFound(w, req)
		return
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = singleJoin(target.Path, rest)
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			logger.Warnf("Proxy error for mapping %s: %v", name, err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, req)
}

func splitRoute(path string) (name, rest string) {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, "/"
}

func singleJoin(a, b string) string {
	switch {
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/"):
		return a + "/" + b
	}
	return a + b
}
