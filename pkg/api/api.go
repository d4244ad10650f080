// Package api exposes the proxy lifecycle over HTTP: spec listing, proxy
// start/stop/pause/resume, and the reverse-proxy dispatch under the public
// path prefix.
//
// Authentication is delegated to a fronting gateway; the caller identity is
// read from trusted request headers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/mapping"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/service"
	"github.com/stacklok/appproxy/pkg/spec"
)

// Identity headers set by the fronting gateway.
const (
	HeaderUser   = "X-Auth-User"
	HeaderGroups = "X-Auth-Groups"
	HeaderAdmin  = "X-Auth-Admin"
)

// Server routes lifecycle requests to the proxy service.
type Server struct {
	proxyService     *ProxyFacade
	mapping          *mapping.Manager
	publicPathPrefix string
}

// ProxyFacade bundles the lifecycle engine with the per-spec seat
// dispatchers so the API can start shared and unshared proxies alike.
type ProxyFacade struct {
	Service     *service.ProxyService
	Dispatchers map[string]service.SeatAcquirer
}

// Start starts a proxy from the spec, going through the seat pool when the
// spec is sharing-enabled.
func (f *ProxyFacade) Start(ctx context.Context, user *auth.Identity, sp *spec.ProxySpec, parameters map[string]string) (proxy.Proxy, error) {
	if acquirer, ok := f.Dispatchers[sp.ID]; ok {
		return f.Service.StartSharedProxyBlocking(ctx, user, sp, acquirer, parameters)
	}
	return f.Service.StartProxyBlocking(ctx, user, sp, parameters)
}

// Stop stops a proxy. A delegating proxy keeps its delegate alive and only
// returns its seat to the pool.
func (f *ProxyFacade) Stop(ctx context.Context, user *auth.Identity, p proxy.Proxy, ignoreAccessControl bool) error {
	cmd, err := f.Service.StopProxy(user, p, ignoreAccessControl)
	if err != nil {
		return err
	}
	if err := cmd(ctx); err != nil {
		return err
	}
	if releaser, ok := f.Dispatchers[p.SpecID].(service.SeatReleaser); ok && p.TargetID != p.ID {
		if err := releaser.ReleaseSeatOf(ctx, p); err != nil {
			logger.Errorf("Failed to release seat of proxy %s: %v", p.ID, err)
		}
	}
	return nil
}

// NewServer creates the API server.
func NewServer(facade *ProxyFacade, mappingManager *mapping.Manager, publicPathPrefix string) *Server {
	return &Server{
		proxyService:     facade,
		mapping:          mappingManager,
		publicPathPrefix: publicPathPrefix,
	}
}

// Router builds the full HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/specs", s.listSpecs)
	r.Get("/api/proxy", s.listProxies)
	r.Post("/api/proxy/{specID}", s.startProxy)
	r.Delete("/api/proxy/{proxyID}", s.stopProxy)
	r.Post("/api/proxy/{proxyID}/pause", s.pauseProxy)
	r.Post("/api/proxy/{proxyID}/resume", s.resumeProxy)

	// the reverse-proxy dispatch owns everything under the public path prefix
	r.Mount(strings.TrimSuffix(s.publicPathPrefix, "/"), s.mapping.Routes())
	return r
}

func identity(req *http.Request) *auth.Identity {
	userID := req.Header.Get(HeaderUser)
	if userID == "" {
		return auth.AnonymousIdentity()
	}
	id := &auth.Identity{UserID: userID}
	if groups := req.Header.Get(HeaderGroups); groups != "" {
		id.Groups = strings.Split(groups, ",")
	}
	id.Admin = req.Header.Get(HeaderAdmin) == "true"
	return id
}

type specView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Sharing     bool   `json:"sharing"`
}

type proxyView struct {
	ID          string    `json:"id"`
	SpecID      string    `json:"specId"`
	DisplayName string    `json:"displayName,omitempty"`
	Status      string    `json:"status"`
	PublicPath  string    `json:"publicPath,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toProxyView(p proxy.Proxy) proxyView {
	v := proxyView{
		ID:          p.ID,
		SpecID:      p.SpecID,
		DisplayName: p.DisplayName,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedTimestamp,
	}
	if pp, ok := p.RuntimeValue(proxy.PublicPathKey); ok {
		v.PublicPath = pp.Value
	}
	return v
}

func (s *Server) listSpecs(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	specs := s.proxyService.Service.GetProxySpecs(user, nil, false)

	views := make([]specView, 0, len(specs))
	for _, sp := range specs {
		views = append(views, specView{
			ID:          sp.ID,
			DisplayName: sp.DisplayName,
			Description: sp.Description,
			Sharing:     sp.Sharing != nil,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) listProxies(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	proxies := s.proxyService.Service.GetProxiesOfUser(user)

	views := make([]proxyView, 0, len(proxies))
	for _, p := range proxies {
		views = append(views, toProxyView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) startProxy(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	sp, err := s.proxyService.Service.GetProxySpec(chi.URLParam(req, "specID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var parameters map[string]string
	if req.Body != nil && req.ContentLength != 0 {
		var body struct {
			Parameters map[string]string `json:"parameters"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, errors.NewInvalidParametersError("malformed request body", err))
			return
		}
		parameters = body.Parameters
	}

	p, err := s.proxyService.Start(req.Context(), user, sp, parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProxyView(p))
}

func (s *Server) stopProxy(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	p, err := s.proxyService.Service.GetProxy(user, chi.URLParam(req, "proxyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.proxyService.Stop(req.Context(), user, p, false); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseProxy(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	p, err := s.proxyService.Service.GetProxy(user, chi.URLParam(req, "proxyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := s.proxyService.Service.PauseProxy(user, p, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cmd(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, s, user, p.ID)
}

func (s *Server) resumeProxy(w http.ResponseWriter, req *http.Request) {
	user := identity(req)
	p, err := s.proxyService.Service.GetProxy(user, chi.URLParam(req, "proxyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	cmd, err := s.proxyService.Service.ResumeProxy(user, p, nil, false)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := cmd(req.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, s, user, p.ID)
}

func writeStatus(w http.ResponseWriter, s *Server, user *auth.Identity, proxyID string) {
	p, err := s.proxyService.Service.GetProxy(user, proxyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProxyView(p))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsAccessDenied(err):
		status = http.StatusForbidden
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsInvalidParameters(err):
		status = http.StatusBadRequest
	case errors.IsIllegalState(err):
		status = http.StatusConflict
	case errors.IsNotSupported(err):
		status = http.StatusNotImplemented
	case errors.IsContainerStartFailed(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
