package service

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/appproxy/pkg/auth"
	"github.com/stacklok/appproxy/pkg/backend"
	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/expr"
	"github.com/stacklok/appproxy/pkg/mapping"
	"github.com/stacklok/appproxy/pkg/probe"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/spec"
	"github.com/stacklok/appproxy/pkg/store"
)

// fakeBackend is a scriptable in-memory container backend.
type fakeBackend struct {
	mu            sync.Mutex
	failStart     error
	failResume    error
	pauseCapable  bool
	startedIDs    []string
	stoppedIDs    []string
	pausedIDs     []string
	partialOnFail bool
}

func (f *fakeBackend) StartProxy(_ context.Context, _ *auth.Identity, p proxy.Proxy, resolvedSpec *spec.ProxySpec, startupLog *events.StartupLog) (proxy.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart != nil {
		if f.partialOnFail {
			partial := p.WithContainers([]proxy.Container{{Index: 0, ID: "c-partial"}})
			return proxy.Proxy{}, &backend.ProxyFailedToStartError{Proxy: partial, Err: f.failStart}
		}
		return proxy.Proxy{}, &backend.ProxyFailedToStartError{Proxy: p, Err: f.failStart}
	}
	f.startedIDs = append(f.startedIDs, p.ID)
	if startupLog != nil {
		startupLog.MarkContainerStarted()
	}
	containers := make([]proxy.Container, 0, len(resolvedSpec.ContainerSpecs))
	for _, cs := range resolvedSpec.ContainerSpecs {
		target, _ := url.Parse("http://127.0.0.1:20000/")
		containers = append(containers, proxy.Container{
			Index:   cs.Index,
			ID:      "c-" + p.ID,
			Targets: map[string]*url.URL{p.TargetID: target},
		})
	}
	return p.WithContainers(containers), nil
}

func (f *fakeBackend) StopProxy(_ context.Context, p proxy.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedIDs = append(f.stoppedIDs, p.ID)
	return nil
}

func (f *fakeBackend) PauseProxy(_ context.Context, p proxy.Proxy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pausedIDs = append(f.pausedIDs, p.ID)
	return nil
}

func (f *fakeBackend) ResumeProxy(_ context.Context, p proxy.Proxy, _ *spec.ProxySpec) (proxy.Proxy, error) {
	if f.failResume != nil {
		return proxy.Proxy{}, f.failResume
	}
	return p, nil
}

func (f *fakeBackend) SupportsPause() bool { return f.pauseCapable }

func (f *fakeBackend) AddRuntimeValuesBeforeResolve(_ *auth.Identity, _ *spec.ProxySpec, p proxy.Proxy) (proxy.Proxy, error) {
	return p, nil
}

func (f *fakeBackend) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stoppedIDs...)
}

// failingProbe rejects every proxy.
type failingProbe struct{}

func (failingProbe) TestProxy(context.Context, proxy.Proxy) bool { return false }

type fixture struct {
	service  *ProxyService
	store    store.ProxyStore
	backend  *fakeBackend
	bus      *events.InProcessBus
	mapping  *mapping.Manager
	registry *spec.Registry
	events   *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(match func(events.Event) bool) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if match(e) {
			out = append(out, e)
		}
	}
	return out
}

func newFixture(t *testing.T, b *fakeBackend, strategy probe.TestStrategy) *fixture {
	t.Helper()

	registry := spec.NewRegistry()
	require.NoError(t, registry.Register(&spec.ProxySpec{
		ID:          "app-1",
		DisplayName: "App One",
		ContainerSpecs: []spec.ContainerSpec{
			{Index: 0, Image: "example/app:1.0"},
		},
	}))
	require.NoError(t, registry.Register(&spec.ProxySpec{
		ID: "restricted",
		AccessControl: &spec.AccessControlSpec{
			Groups: []string{"scientists"},
		},
		ContainerSpecs: []spec.ContainerSpec{
			{Index: 0, Image: "example/restricted:1.0"},
		},
	}))

	resolver, err := expr.NewResolver()
	require.NoError(t, err)

	bus := events.NewInProcessBus("instance-test")
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.record)

	proxyStore := store.NewMemoryProxyStore()
	mappingManager := mapping.NewManager("/api/route/")
	runtimeValues := NewRuntimeValueService("/api/route/", time.Minute, 0)
	access := NewAccessControlService(registry, true)

	svc := NewProxyService(proxyStore, registry, b, mappingManager, access,
		runtimeValues, resolver, strategy, bus, true)

	return &fixture{
		service:  svc,
		store:    proxyStore,
		backend:  b,
		bus:      bus,
		mapping:  mappingManager,
		registry: registry,
		events:   recorder,
	}
}

func user() *auth.Identity {
	return &auth.Identity{UserID: "jack", Groups: []string{"scientists"}}
}

func TestStartProxyHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	cmd, err := f.service.StartProxy(user(), sp, nil, "p-1", nil)
	require.NoError(t, err)

	// record is visible before the command ran, in status New
	reserved, ok := f.store.Get("p-1")
	require.True(t, ok)
	assert.Equal(t, proxy.StatusNew, reserved.Status)
	assert.Equal(t, "p-1", reserved.TargetID)
	assert.Equal(t, "jack", reserved.UserID)

	require.NoError(t, cmd(context.Background()))

	up, ok := f.store.Get("p-1")
	require.True(t, ok)
	assert.Equal(t, proxy.StatusUp, up.Status)
	assert.False(t, up.StartupTimestamp.IsZero())
	assert.NotNil(t, f.mapping.Target("p-1"))

	// runtime values were attached before resolution
	v, ok := up.RuntimeValue(proxy.UserIDKey)
	require.True(t, ok)
	assert.Equal(t, "jack", v.Value)
	v, ok = up.RuntimeValue(proxy.PublicPathKey)
	require.True(t, ok)
	assert.Equal(t, "/api/route/p-1/", v.Value)

	startEvents := f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyStartEvent)
		return ok
	})
	require.Len(t, startEvents, 1)
	evt := startEvents[0].(events.ProxyStartEvent)
	assert.Equal(t, "p-1", evt.ProxyID)
	assert.Equal(t, "instance-test", evt.EventSource())
	require.NotNil(t, evt.StartupLog)
	assert.False(t, evt.StartupLog.Ready.IsZero())
}

func TestStartProxyAccessDenied(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	sp := f.registry.Spec("restricted")

	outsider := &auth.Identity{UserID: "eve", Groups: []string{"visitors"}}
	cmd, err := f.service.StartProxy(outsider, sp, nil, "p-denied", nil)
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))
	assert.Nil(t, cmd)

	// nothing was reserved, nothing was started
	_, ok := f.store.Get("p-denied")
	assert.False(t, ok)
	assert.Empty(t, f.backend.startedIDs)
}

func TestStartProxyDuplicateID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	_, err := f.service.StartProxy(user(), sp, nil, "p-dup", nil)
	require.NoError(t, err)

	_, err = f.service.StartProxy(user(), sp, nil, "p-dup", nil)
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))
}

func TestStartProxyBackendFailureRollsBack(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{failStart: assert.AnError, partialOnFail: true}
	f := newFixture(t, b, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	cmd, err := f.service.StartProxy(user(), sp, nil, "p-fail", nil)
	require.NoError(t, err)

	err = cmd(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsContainerStartFailed(err))

	// partial containers were stopped, the record is gone
	assert.Contains(t, b.stopped(), "p-fail")
	_, ok := f.store.Get("p-fail")
	assert.False(t, ok)

	failed := f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyStartFailedEvent)
		return ok
	})
	require.Len(t, failed, 1)
	assert.Equal(t, "p-fail", failed[0].(events.ProxyStartFailedEvent).ProxyID)
}

func TestStartProxyProbeFailureRollsBack(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	f := newFixture(t, b, failingProbe{})
	sp := f.registry.Spec("app-1")

	cmd, err := f.service.StartProxy(user(), sp, nil, "p-probe", nil)
	require.NoError(t, err)

	err = cmd(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsContainerStartFailed(err))

	assert.Contains(t, b.stopped(), "p-probe")
	_, ok := f.store.Get("p-probe")
	assert.False(t, ok)
	assert.Nil(t, f.mapping.Target("p-probe"))
}

func TestStopProxy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	p, err := f.service.StartProxyBlocking(context.Background(), user(), sp, nil)
	require.NoError(t, err)

	cmd, err := f.service.StopProxy(user(), p, false)
	require.NoError(t, err)

	// routes are gone as soon as StopProxy returns
	assert.Nil(t, f.mapping.Target(p.ID))
	stopping, ok := f.store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, proxy.StatusStopping, stopping.Status)

	require.NoError(t, cmd(context.Background()))
	_, ok = f.store.Get(p.ID)
	assert.False(t, ok)

	stops := f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyStopEvent)
		return ok
	})
	require.Len(t, stops, 1)
	evt := stops[0].(events.ProxyStopEvent)
	require.NotNil(t, evt.UsageDuration)
	assert.GreaterOrEqual(t, *evt.UsageDuration, time.Duration(0))
}

// statusTrackingStore records every status passed to Update.
type statusTrackingStore struct {
	store.ProxyStore
	mu       sync.Mutex
	statuses []proxy.Status
}

func (s *statusTrackingStore) Update(p proxy.Proxy) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, p.Status)
	s.mu.Unlock()
	return s.ProxyStore.Update(p)
}

func TestStopProxyMarksStoppedBeforeRemoval(t *testing.T) {
	t.Parallel()

	registry := spec.NewRegistry()
	require.NoError(t, registry.Register(&spec.ProxySpec{
		ID:             "app-1",
		ContainerSpecs: []spec.ContainerSpec{{Index: 0, Image: "example/app:1.0"}},
	}))
	resolver, err := expr.NewResolver()
	require.NoError(t, err)

	tracking := &statusTrackingStore{ProxyStore: store.NewMemoryProxyStore()}
	svc := NewProxyService(tracking, registry, &fakeBackend{}, mapping.NewManager("/api/route/"),
		NewAccessControlService(registry, true),
		NewRuntimeValueService("/api/route/", time.Minute, 0),
		resolver, probe.AlwaysReady{}, events.NewInProcessBus("instance-test"), true)

	p, err := svc.StartProxyBlocking(context.Background(), user(), registry.Spec("app-1"), nil)
	require.NoError(t, err)

	cmd, err := svc.StopProxy(user(), p, false)
	require.NoError(t, err)
	require.NoError(t, cmd(context.Background()))

	// the record passes through Stopped before it is removed
	tracking.mu.Lock()
	statuses := append([]proxy.Status(nil), tracking.statuses...)
	tracking.mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, proxy.StatusStopped, statuses[len(statuses)-1])
	_, ok := tracking.Get(p.ID)
	assert.False(t, ok)
}

func TestStopDelegatingProxyLeavesContainersAlone(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	f := newFixture(t, b, probe.AlwaysReady{})

	// a delegating proxy points at a pool-owned delegate; its containers
	// belong to the delegate, not to it
	p := proxy.Proxy{ID: "p-user", TargetID: "d-shared", SpecID: "app-1", UserID: "jack", Status: proxy.StatusUp}
	require.NoError(t, f.store.Add(p))

	cmd, err := f.service.StopProxy(user(), p, false)
	require.NoError(t, err)
	require.NoError(t, cmd(context.Background()))

	assert.Empty(t, b.stopped())
	_, ok := f.store.Get("p-user")
	assert.False(t, ok)
}

func TestStopProxyIllegalTransition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	stopped := proxy.Proxy{ID: "p-x", UserID: "jack", Status: proxy.StatusStopped}

	_, err := f.service.StopProxy(user(), stopped, false)
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))
}

func TestStopProxyNotOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	p := proxy.Proxy{ID: "p-x", UserID: "jack", Status: proxy.StatusUp}

	outsider := &auth.Identity{UserID: "eve"}
	_, err := f.service.StopProxy(outsider, p, false)
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))

	// admin may stop anyone's proxy, but the record must exist in the store
	require.NoError(t, f.store.Add(p))
	admin := &auth.Identity{UserID: "root", Admin: true}
	_, err = f.service.StopProxy(admin, p, false)
	assert.NoError(t, err)
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{pauseCapable: true}
	f := newFixture(t, b, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	p, err := f.service.StartProxyBlocking(context.Background(), user(), sp, nil)
	require.NoError(t, err)

	pauseCmd, err := f.service.PauseProxy(user(), p, false)
	require.NoError(t, err)
	assert.Nil(t, f.mapping.Target(p.ID))
	require.NoError(t, pauseCmd(context.Background()))

	paused, ok := f.store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, proxy.StatusPaused, paused.Status)

	resumeCmd, err := f.service.ResumeProxy(user(), paused, nil, false)
	require.NoError(t, err)
	require.NoError(t, resumeCmd(context.Background()))

	resumed, ok := f.store.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, proxy.StatusUp, resumed.Status)
	assert.NotNil(t, f.mapping.Target(p.ID))

	pauses := f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyPauseEvent)
		return ok
	})
	resumes := f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyResumeEvent)
		return ok
	})
	assert.Len(t, pauses, 1)
	assert.Len(t, resumes, 1)
}

func TestPauseUnsupportedBackend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{pauseCapable: false}, probe.AlwaysReady{})
	p := proxy.Proxy{ID: "p-x", UserID: "jack", Status: proxy.StatusUp}

	_, err := f.service.PauseProxy(user(), p, false)
	require.Error(t, err)
	assert.True(t, errors.IsNotSupported(err))
}

func TestResumeRequiresPaused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{pauseCapable: true}, probe.AlwaysReady{})
	p := proxy.Proxy{ID: "p-x", UserID: "jack", SpecID: "app-1", Status: proxy.StatusUp}

	_, err := f.service.ResumeProxy(user(), p, nil, false)
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))
}

func TestStartProxyWithParameters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	require.NoError(t, f.registry.Register(&spec.ProxySpec{
		ID: "parameterized",
		Parameters: []spec.ParameterSpec{
			{ID: "memory", Values: []string{"2G", "4G"}, DefaultValue: "2G"},
		},
		ContainerSpecs: []spec.ContainerSpec{{Index: 0, Image: "example/app:1.0"}},
	}))
	sp := f.registry.Spec("parameterized")

	// invalid value is rejected synchronously
	_, err := f.service.StartProxy(user(), sp, nil, "p-bad", map[string]string{"memory": "64G"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidParameters(err))
	_, ok := f.store.Get("p-bad")
	assert.False(t, ok)

	// unknown parameter is rejected
	_, err = f.service.StartProxy(user(), sp, nil, "p-bad2", map[string]string{"cpus": "4"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidParameters(err))

	// omitted parameter falls back to the default
	p, err := f.service.StartProxyBlocking(context.Background(), user(), sp, nil)
	require.NoError(t, err)
	v, ok := p.RuntimeValue(proxy.ParameterValuesKey)
	require.True(t, ok)
	assert.JSONEq(t, `{"memory":"2G"}`, v.Value)
}

func TestAddExistingProxy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	target, err := url.Parse("http://10.0.0.8:3838/")
	require.NoError(t, err)

	recovered := proxy.Proxy{
		ID: "p-old", TargetID: "p-old", SpecID: "app-1", UserID: "jack",
		Status: proxy.StatusUp, StartupTimestamp: time.Now(),
	}.WithContainers([]proxy.Container{
		{Index: 0, ID: "c-old", Targets: map[string]*url.URL{"p-old": target}},
	})

	require.NoError(t, f.service.AddExistingProxy(recovered))
	_, ok := f.store.Get("p-old")
	assert.True(t, ok)
	assert.Equal(t, target, f.mapping.Target("p-old"))

	// no start event for recovered proxies
	assert.Empty(t, f.events.ofType(func(e events.Event) bool {
		_, ok := e.(events.ProxyStartEvent)
		return ok
	}))
}

func TestShutdownStopsProxies(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	f := newFixture(t, b, probe.AlwaysReady{})
	sp := f.registry.Spec("app-1")

	_, err := f.service.StartProxyBlocking(context.Background(), user(), sp, nil)
	require.NoError(t, err)
	_, err = f.service.StartProxyBlocking(context.Background(), user(), sp, nil)
	require.NoError(t, err)

	require.NoError(t, f.service.Shutdown(context.Background()))
	assert.Len(t, b.stopped(), 2)
}

func TestGetProxiesVisibility(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{}, probe.AlwaysReady{})
	require.NoError(t, f.store.Add(proxy.Proxy{ID: "p-jack", UserID: "jack", Status: proxy.StatusUp}))
	require.NoError(t, f.store.Add(proxy.Proxy{ID: "p-jeff", UserID: "jeff", Status: proxy.StatusUp}))

	owned := f.service.GetProxiesOfUser(user())
	require.Len(t, owned, 1)
	assert.Equal(t, "p-jack", owned[0].ID)

	admin := &auth.Identity{UserID: "root", Admin: true}
	assert.Len(t, f.service.GetProxies(admin, nil, false), 2)

	_, err := f.service.GetProxy(user(), "p-jeff")
	require.Error(t, err)
	assert.True(t, errors.IsAccessDenied(err))
}
