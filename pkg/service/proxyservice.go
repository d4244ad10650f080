package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/backend"
	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/mapping"
	"github.com/stacklok/appproxy/pkg/probe"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
	"github.com/stacklok/appproxy/pkg/store"
)

// Command is the deferred phase of a lifecycle operation. The synchronous
// phase reserves state and validates; running the command performs the slow
// work against the container backend.
type Command func(ctx context.Context) error

// ProxyService is the lifecycle engine. All status transitions of a proxy go
// through it; the store holds the authoritative version of each proxy.
type ProxyService struct {
	store         store.ProxyStore
	specs         spec.Provider
	backend       backend.ContainerBackend
	mapping       *mapping.Manager
	access        *AccessControlService
	runtimeValues *RuntimeValueService
	resolver      spec.Resolver
	testStrategy  probe.TestStrategy
	bus           events.Bus

	stopProxiesOnShutdown bool
	now                   func() time.Time
}

// NewProxyService wires the lifecycle engine.
func NewProxyService(
	proxyStore store.ProxyStore,
	specs spec.Provider,
	containerBackend backend.ContainerBackend,
	mappingManager *mapping.Manager,
	access *AccessControlService,
	runtimeValues *RuntimeValueService,
	resolver spec.Resolver,
	testStrategy probe.TestStrategy,
	bus events.Bus,
	stopProxiesOnShutdown bool,
) *ProxyService {
	return &ProxyService{
		store:                 proxyStore,
		specs:                 specs,
		backend:               containerBackend,
		mapping:               mappingManager,
		access:                access,
		runtimeValues:         runtimeValues,
		resolver:              resolver,
		testStrategy:          testStrategy,
		bus:                   bus,
		stopProxiesOnShutdown: stopProxiesOnShutdown,
		now:                   time.Now,
	}
}

// GetProxy returns the proxy if the user owns it or is admin.
func (s *ProxyService) GetProxy(user *auth.Identity, id string) (proxy.Proxy, error) {
	p, ok := s.store.Get(id)
	if !ok {
		return proxy.Proxy{}, errors.NewNotFoundError("proxy "+id+" not found", nil)
	}
	if !IsOwner(user, p.UserID) && (user == nil || !user.Admin) {
		return proxy.Proxy{}, errors.NewAccessDeniedError("proxy "+id+" is not accessible", nil)
	}
	return p, nil
}

// FindProxy returns the first live proxy matching the filter that the user
// may see, or false.
func (s *ProxyService) FindProxy(user *auth.Identity, filter func(proxy.Proxy) bool, ignoreAccessControl bool) (proxy.Proxy, bool) {
	for _, p := range s.store.All() {
		if !filter(p) {
			continue
		}
		if ignoreAccessControl || IsOwner(user, p.UserID) || (user != nil && user.Admin) {
			return p, true
		}
	}
	return proxy.Proxy{}, false
}

// GetProxies returns all live proxies matching the filter that the user may
// see.
func (s *ProxyService) GetProxies(user *auth.Identity, filter func(proxy.Proxy) bool, ignoreAccessControl bool) []proxy.Proxy {
	var out []proxy.Proxy
	for _, p := range s.store.All() {
		if filter != nil && !filter(p) {
			continue
		}
		if ignoreAccessControl || IsOwner(user, p.UserID) || (user != nil && user.Admin) {
			out = append(out, p)
		}
	}
	return out
}

// GetProxiesOfUser returns the proxies owned by the user.
func (s *ProxyService) GetProxiesOfUser(user *auth.Identity) []proxy.Proxy {
	return s.GetProxies(user, func(p proxy.Proxy) bool {
		return IsOwner(user, p.UserID)
	}, true)
}

// GetProxySpec returns the spec with the given id.
func (s *ProxyService) GetProxySpec(id string) (*spec.ProxySpec, error) {
	if sp := s.specs.Spec(id); sp != nil {
		return sp, nil
	}
	return nil, errors.NewNotFoundError("spec "+id+" not found", nil)
}

// FindProxySpec returns the first spec matching the filter that the user may
// access, or nil.
func (s *ProxyService) FindProxySpec(user *auth.Identity, filter func(*spec.ProxySpec) bool, ignoreAccessControl bool) *spec.ProxySpec {
	for _, sp := range s.specs.Specs() {
		if filter != nil && !filter(sp) {
			continue
		}
		if ignoreAccessControl || s.access.CanAccess(user, sp) {
			return sp
		}
	}
	return nil
}

// GetProxySpecs returns all specs matching the filter that the user may
// access.
func (s *ProxyService) GetProxySpecs(user *auth.Identity, filter func(*spec.ProxySpec) bool, ignoreAccessControl bool) []*spec.ProxySpec {
	var out []*spec.ProxySpec
	for _, sp := range s.specs.Specs() {
		if filter != nil && !filter(sp) {
			continue
		}
		if ignoreAccessControl || s.access.CanAccess(user, sp) {
			out = append(out, sp)
		}
	}
	return out
}

// StartProxy validates the request, reserves the proxy record and returns the
// command that performs the actual start. The record is visible in the store
// as soon as StartProxy returns; until the command ran, its status is New.
func (s *ProxyService) StartProxy(
	user *auth.Identity,
	sp *spec.ProxySpec,
	runtimeValues []proxy.RuntimeValue,
	proxyID string,
	parameters map[string]string,
) (Command, error) {
	p, err := s.reserveProxy(user, sp, runtimeValues, proxyID, parameters)
	if err != nil {
		return nil, err
	}
	now := p.CreatedTimestamp

	specID := sp.ID
	return func(ctx context.Context) error {
		current, ok := s.store.Get(proxyID)
		if !ok {
			return errors.NewIllegalStateError("proxy "+proxyID+" disappeared before start", nil)
		}
		startupLog := events.NewStartupLog()
		startupLog.CreatedAt = now

		starting := current.WithStatus(proxy.StatusStarting)
		if err := s.store.Update(starting); err != nil {
			return err
		}

		resolvedSpec, prepared, err := s.prepareProxyForStart(ctx, user, starting, sp)
		if err != nil {
			return err
		}

		started, err := s.backend.StartProxy(ctx, user, prepared, resolvedSpec, startupLog)
		if err != nil {
			s.rollbackFailedStart(ctx, user, prepared, specID, err)
			return errors.NewContainerStartFailedError("container for proxy "+proxyID+" failed to start", err)
		}
		startupLog.MarkContainerStarted()

		if !s.testStrategy.TestProxy(ctx, started) {
			s.rollbackFailedStart(ctx, user, started, specID, nil)
			return errors.NewContainerStartFailedError("container for proxy "+proxyID+" did not respond in time", nil)
		}
		startupLog.MarkReady()

		up := started.WithStartup(s.now())
		if err := s.setupProxy(up); err != nil {
			s.rollbackFailedStart(ctx, user, up, specID, err)
			return err
		}
		if err := s.store.Update(up); err != nil {
			return err
		}

		s.bus.Publish(events.ProxyStartEvent{
			ProxyID:    up.ID,
			UserID:     up.UserID,
			SpecID:     specID,
			StartupLog: startupLog,
		})
		logger.Infof("Started proxy %s (spec %s, user %s)", up.ID, specID, up.UserID)
		return nil
	}, nil
}

// reserveProxy is the synchronous phase shared by all start paths: access
// check, parameter validation and the unique insert of the New record.
func (s *ProxyService) reserveProxy(
	user *auth.Identity,
	sp *spec.ProxySpec,
	runtimeValues []proxy.RuntimeValue,
	proxyID string,
	parameters map[string]string,
) (proxy.Proxy, error) {
	if !s.access.CanAccess(user, sp) {
		return proxy.Proxy{}, errors.NewAccessDeniedError(
			"cannot start proxy because the user does not have access to the spec "+sp.ID, nil)
	}

	p := proxy.Proxy{
		ID:               proxyID,
		TargetID:         proxyID,
		SpecID:           sp.ID,
		Status:           proxy.StatusNew,
		CreatedTimestamp: s.now(),
	}
	if user != nil {
		p.UserID = user.UserID
	}
	if len(runtimeValues) > 0 {
		p = p.WithRuntimeValues(runtimeValues)
	}

	p, err := s.runtimeValues.ProcessParameters(sp, parameters, p)
	if err != nil {
		return proxy.Proxy{}, err
	}

	if err := s.store.Add(p); err != nil {
		return proxy.Proxy{}, err
	}
	return p, nil
}

// SeatAcquirer binds a waiting user proxy to a pre-warmed seat. Implemented
// by the sharing dispatcher.
type SeatAcquirer interface {
	AcquireSeat(ctx context.Context, p proxy.Proxy) (proxy.Proxy, error)
}

// SeatReleaser returns the seat of a stopping delegating proxy to its pool.
type SeatReleaser interface {
	ReleaseSeatOf(ctx context.Context, p proxy.Proxy) error
}

// StartSharedProxyBlocking starts a proxy from a sharing-enabled spec: the
// record is reserved as usual, but instead of building containers the proxy
// is bound to a seat from the pool.
func (s *ProxyService) StartSharedProxyBlocking(
	ctx context.Context,
	user *auth.Identity,
	sp *spec.ProxySpec,
	acquirer SeatAcquirer,
	parameters map[string]string,
) (proxy.Proxy, error) {
	id := uuid.NewString()
	p, err := s.reserveProxy(user, sp, nil, id, parameters)
	if err != nil {
		return proxy.Proxy{}, err
	}

	p = s.runtimeValues.AddRuntimeValuesBeforeResolve(user, sp, p)
	p = s.runtimeValues.AddRuntimeValuesAfterResolve(sp, p)

	bound, err := acquirer.AcquireSeat(ctx, p)
	if err != nil {
		s.rollbackFailedStart(ctx, user, p, sp.ID, err)
		return proxy.Proxy{}, err
	}

	s.bus.Publish(events.ProxyStartEvent{
		ProxyID: bound.ID,
		UserID:  bound.UserID,
		SpecID:  sp.ID,
	})
	logger.Infof("Started shared proxy %s (spec %s, user %s, delegate %s)", bound.ID, sp.ID, bound.UserID, bound.TargetID)
	return bound, nil
}

// StartProxyBlocking is the single-shot start path: it generates an id, runs
// the command inline and returns the resulting proxy.
func (s *ProxyService) StartProxyBlocking(
	ctx context.Context,
	user *auth.Identity,
	sp *spec.ProxySpec,
	parameters map[string]string,
) (proxy.Proxy, error) {
	id := uuid.NewString()
	cmd, err := s.StartProxy(user, sp, nil, id, parameters)
	if err != nil {
		return proxy.Proxy{}, err
	}
	if err := cmd(ctx); err != nil {
		return proxy.Proxy{}, err
	}
	p, ok := s.store.Get(id)
	if !ok {
		return proxy.Proxy{}, errors.NewNotFoundError("proxy "+id+" not found after start", nil)
	}
	return p, nil
}

// StopProxy transitions the proxy to Stopping, unregisters its routes and
// returns the command that stops the containers and removes the record.
func (s *ProxyService) StopProxy(user *auth.Identity, p proxy.Proxy, ignoreAccessControl bool) (Command, error) {
	if err := s.checkOwnership(user, p, ignoreAccessControl); err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(proxy.StatusStopping) {
		return nil, errors.NewIllegalStateError(
			"cannot stop proxy "+p.ID+" in status "+string(p.Status), nil)
	}

	stopping := p.WithStatus(proxy.StatusStopping)
	if err := s.store.Update(stopping); err != nil {
		return nil, err
	}
	s.removeMappings(stopping)

	return func(ctx context.Context) error {
		// delegating proxies own no containers; their delegate stays up for
		// the next seat claim
		if stopping.TargetID == stopping.ID {
			if err := s.backend.StopProxy(ctx, stopping); err != nil {
				// the record is removed regardless so a wedged backend cannot
				// leak proxies into the store
				logger.Errorf("Failed to stop containers of proxy %s: %v", stopping.ID, err)
			}
		}
		stopped := stopping.WithStatus(proxy.StatusStopped)
		if err := s.store.Update(stopped); err != nil {
			logger.Warnf("Failed to mark proxy %s as stopped: %v", stopped.ID, err)
		}

		s.bus.Publish(events.ProxyStopEvent{
			ProxyID:       stopped.ID,
			UserID:        stopped.UserID,
			SpecID:        stopped.SpecID,
			UsageDuration: usageDuration(stopped, s.now()),
		})

		if err := s.store.Remove(stopped.ID); err != nil {
			logger.Warnf("Failed to remove stopped proxy %s from store: %v", stopped.ID, err)
		}
		logger.Infof("Stopped proxy %s (spec %s, user %s)", stopped.ID, stopped.SpecID, stopped.UserID)
		return nil
	}, nil
}

// PauseProxy transitions the proxy to Pausing, unregisters its routes and
// returns the command that suspends the containers.
func (s *ProxyService) PauseProxy(user *auth.Identity, p proxy.Proxy, ignoreAccessControl bool) (Command, error) {
	if !s.backend.SupportsPause() {
		return nil, errors.NewNotSupportedError("backend does not support pausing proxies", nil)
	}
	if err := s.checkOwnership(user, p, ignoreAccessControl); err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(proxy.StatusPausing) {
		return nil, errors.NewIllegalStateError(
			"cannot pause proxy "+p.ID+" in status "+string(p.Status), nil)
	}

	pausing := p.WithStatus(proxy.StatusPausing)
	if err := s.store.Update(pausing); err != nil {
		return nil, err
	}
	s.removeMappings(pausing)

	return func(ctx context.Context) error {
		if err := s.backend.PauseProxy(ctx, pausing); err != nil {
			logger.Errorf("Failed to pause proxy %s: %v", pausing.ID, err)
			return errors.NewContainerRuntimeError("failed to pause proxy "+pausing.ID, err)
		}
		paused := pausing.WithStatus(proxy.StatusPaused)
		if err := s.store.Update(paused); err != nil {
			return err
		}

		s.bus.Publish(events.ProxyPauseEvent{
			ProxyID: paused.ID,
			UserID:  paused.UserID,
			SpecID:  paused.SpecID,
		})
		logger.Infof("Paused proxy %s (spec %s, user %s)", paused.ID, paused.SpecID, paused.UserID)
		return nil
	}, nil
}

// ResumeProxy transitions a paused proxy to Resuming and returns the command
// that unsuspends the containers and re-registers the routes. The spec is
// re-fetched and re-resolved so environment-dependent expressions are fresh.
func (s *ProxyService) ResumeProxy(user *auth.Identity, p proxy.Proxy, parameters map[string]string, ignoreAccessControl bool) (Command, error) {
	if !s.backend.SupportsPause() {
		return nil, errors.NewNotSupportedError("backend does not support resuming proxies", nil)
	}
	if err := s.checkOwnership(user, p, ignoreAccessControl); err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(proxy.StatusResuming) {
		return nil, errors.NewIllegalStateError(
			"cannot resume proxy "+p.ID+" in status "+string(p.Status), nil)
	}

	sp := s.specs.Spec(p.SpecID)
	if sp == nil {
		return nil, errors.NewNotFoundError("spec "+p.SpecID+" of proxy "+p.ID+" no longer exists", nil)
	}

	resuming := p.WithStatus(proxy.StatusResuming)
	resuming, err := s.runtimeValues.ProcessParameters(sp, parameters, resuming)
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(resuming); err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		resolvedSpec, prepared, err := s.prepareProxyForStart(ctx, user, resuming, sp)
		if err != nil {
			return err
		}

		resumed, err := s.backend.ResumeProxy(ctx, prepared, resolvedSpec)
		if err != nil {
			s.rollbackFailedStart(ctx, user, prepared, sp.ID, err)
			return errors.NewContainerStartFailedError("proxy "+p.ID+" failed to resume", err)
		}

		if !s.testStrategy.TestProxy(ctx, resumed) {
			s.rollbackFailedStart(ctx, user, resumed, sp.ID, nil)
			return errors.NewContainerStartFailedError("proxy "+p.ID+" did not respond after resume", nil)
		}

		up := resumed.WithStatus(proxy.StatusUp)
		if err := s.setupProxy(up); err != nil {
			s.rollbackFailedStart(ctx, user, up, sp.ID, err)
			return err
		}
		if err := s.store.Update(up); err != nil {
			return err
		}

		s.bus.Publish(events.ProxyResumeEvent{
			ProxyID: up.ID,
			UserID:  up.UserID,
			SpecID:  up.SpecID,
		})
		logger.Infof("Resumed proxy %s (spec %s, user %s)", up.ID, up.SpecID, up.UserID)
		return nil
	}, nil
}

// AddExistingProxy adds a proxy recovered from a previous instance of the
// process. No events are published; the proxy was already running.
func (s *ProxyService) AddExistingProxy(p proxy.Proxy) error {
	if err := s.store.Add(p); err != nil {
		return err
	}
	if err := s.setupProxy(p); err != nil {
		return err
	}
	logger.Infof("Recovered existing proxy %s (spec %s, user %s)", p.ID, p.SpecID, p.UserID)
	return nil
}

// Shutdown stops all live proxies when configured to do so.
func (s *ProxyService) Shutdown(ctx context.Context) error {
	if !s.stopProxiesOnShutdown {
		logger.Infof("Leaving proxies running on shutdown")
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range s.store.All() {
		g.Go(func() error {
			if err := s.backend.StopProxy(ctx, p); err != nil {
				logger.Errorf("Failed to stop proxy %s during shutdown: %v", p.ID, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// prepareProxyForStart runs the shared pre-start sequence: runtime values,
// backend values, two-phase expression resolution and post-resolve values.
// On failure the proxy record is rolled back and a start-failed event is
// published.
func (s *ProxyService) prepareProxyForStart(ctx context.Context, user *auth.Identity, p proxy.Proxy, sp *spec.ProxySpec) (*spec.ProxySpec, proxy.Proxy, error) {
	resolvedSpec, prepared, err := s.resolveProxy(user, p, sp)
	if err != nil {
		s.rollbackFailedStart(ctx, user, p, sp.ID, err)
		return nil, proxy.Proxy{}, errors.NewContainerStartFailedError(
			"cannot prepare proxy "+p.ID+" for start", err)
	}
	if err := s.store.Update(prepared); err != nil {
		return nil, proxy.Proxy{}, err
	}
	return resolvedSpec, prepared, nil
}

func (s *ProxyService) resolveProxy(user *auth.Identity, p proxy.Proxy, sp *spec.ProxySpec) (*spec.ProxySpec, proxy.Proxy, error) {
	p = s.runtimeValues.AddRuntimeValuesBeforeResolve(user, sp, p)
	p, err := s.backend.AddRuntimeValuesBeforeResolve(user, sp, p)
	if err != nil {
		return nil, proxy.Proxy{}, err
	}

	exprCtx := spec.ExpressionContext{Proxy: &p, Spec: sp}
	if user != nil {
		exprCtx.Principal = user.Principal
		exprCtx.Credentials = user.Credentials
	}
	resolvedSpec, err := sp.Resolve(s.resolver, exprCtx)
	if err != nil {
		return nil, proxy.Proxy{}, err
	}

	p = s.runtimeValues.AddRuntimeValuesAfterResolve(resolvedSpec, p)
	return resolvedSpec, p, nil
}

// rollbackFailedStart reverts a failed start attempt: best-effort container
// cleanup, removal of the record, and a start-failed event.
func (s *ProxyService) rollbackFailedStart(ctx context.Context, user *auth.Identity, p proxy.Proxy, specID string, cause error) {
	var failed *backend.ProxyFailedToStartError
	if stderrors.As(cause, &failed) {
		p = failed.Proxy
	}
	if len(p.Containers) > 0 {
		if err := s.backend.StopProxy(ctx, p); err != nil {
			logger.Errorf("Failed to clean up containers of proxy %s after failed start: %v", p.ID, err)
		}
	}
	s.removeMappings(p)
	if err := s.store.Remove(p.ID); err != nil {
		logger.Warnf("Failed to remove proxy %s after failed start: %v", p.ID, err)
	}

	userID := ""
	if user != nil {
		userID = user.UserID
	}
	s.bus.Publish(events.ProxyStartFailedEvent{
		ProxyID: p.ID,
		UserID:  userID,
		SpecID:  specID,
	})
}

// setupProxy registers the reverse-proxy routes of an Up proxy. A route name
// collision here is programmer error, not user error.
func (s *ProxyService) setupProxy(p proxy.Proxy) error {
	for name, target := range p.Targets {
		if err := s.mapping.AddMapping(p.ID, name, target); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProxyService) removeMappings(p proxy.Proxy) {
	for _, name := range s.mapping.MappingsOf(p.ID) {
		s.mapping.RemoveMapping(name)
	}
	for name := range p.Targets {
		s.mapping.RemoveMapping(name)
	}
}

func (s *ProxyService) checkOwnership(user *auth.Identity, p proxy.Proxy, ignoreAccessControl bool) error {
	if ignoreAccessControl {
		return nil
	}
	if IsOwner(user, p.UserID) || (user != nil && user.Admin) {
		return nil
	}
	return errors.NewAccessDeniedError("proxy "+p.ID+" is not accessible", nil)
}

func usageDuration(p proxy.Proxy, now time.Time) *time.Duration {
	if p.StartupTimestamp.IsZero() {
		return nil
	}
	d := now.Sub(p.StartupTimestamp)
	return &d
}
