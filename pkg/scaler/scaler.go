// Package scaler keeps the pre-warmed seat pool of a sharing-enabled spec at
// its configured size, and hands seats to waiting user proxies.
//
// Every instance of the process runs a scaler per sharing spec, but only the
// elected leader mutates the pool. Reconciliation is signal-driven: lifecycle
// events and a periodic tick enqueue signals, the worker drains them one at a
// time.
package scaler

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/appproxy/pkg/backend"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/leader"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/probe"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/service"
	"github.com/stacklok/appproxy/pkg/spec"
	"github.com/stacklok/appproxy/pkg/store"
)

// defaultReconcileInterval is the period of the safety tick. Signals may be
// dropped when the channel is full; the tick makes that harmless.
const defaultReconcileInterval = 10 * time.Second

// signalBuffer bounds the reconcile queue. Reconciliation is idempotent, so
// dropping signals on overflow only delays convergence until the next tick.
const signalBuffer = 256

// Config wires a ProxySharingScaler.
type Config struct {
	Spec          *spec.ProxySpec
	SeatStore     store.SeatStore
	DelegateStore store.DelegateProxyStore
	Backend       backend.ContainerBackend
	Leader        leader.Service
	Resolver      spec.Resolver
	RuntimeValues *service.RuntimeValueService
	TestStrategy  probe.TestStrategy
	Bus           events.Bus

	// EnableScaleDown removes surplus delegates above the configured maximum.
	EnableScaleDown bool
	// ReconcileInterval overrides the safety tick period. Zero uses the default.
	ReconcileInterval time.Duration
}

// ProxySharingScaler reconciles the seat pool of one spec.
type ProxySharingScaler struct {
	cfg      Config
	specID   string
	min, max int

	signals chan struct{}

	mu sync.Mutex
	// pendingDelegateProxies are delegate builds currently in flight.
	pendingDelegateProxies []string
	// pendingDelegatingProxies are user proxies waiting for a seat.
	pendingDelegatingProxies []string

	cancel      context.CancelFunc
	unsubscribe func()
	workers     sync.WaitGroup
	builds      sync.WaitGroup
}

// New creates a scaler for a sharing-enabled spec. Call Start to begin
// reconciling.
func New(cfg Config) *ProxySharingScaler {
	s := &ProxySharingScaler{
		cfg:     cfg,
		specID:  cfg.Spec.ID,
		min:     cfg.Spec.Sharing.MinimumSeatsAvailable,
		max:     cfg.Spec.Sharing.MaximumSeatsAvailable,
		signals: make(chan struct{}, signalBuffer),
	}
	if s.cfg.ReconcileInterval <= 0 {
		s.cfg.ReconcileInterval = defaultReconcileInterval
	}
	return s
}

// Start launches the reconcile worker and the safety tick, and subscribes to
// the lifecycle events that drive the pool.
func (s *ProxySharingScaler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.unsubscribe = s.cfg.Bus.Subscribe(func(e events.Event) {
		switch evt := e.(type) {
		case events.PendingProxyEvent:
			if evt.SpecID != s.specID {
				return
			}
			s.mu.Lock()
			s.pendingDelegatingProxies = append(s.pendingDelegatingProxies, evt.ProxyID)
			s.mu.Unlock()
			s.signal()
		case events.PendingProxyCancelledEvent:
			if evt.SpecID != s.specID {
				return
			}
			s.mu.Lock()
			s.pendingDelegatingProxies = slices.DeleteFunc(s.pendingDelegatingProxies, func(id string) bool {
				return id == evt.ProxyID
			})
			s.mu.Unlock()
			s.signal()
		case events.SeatClaimedEvent:
			if evt.SpecID != s.specID {
				return
			}
			s.signal()
		}
	})

	s.workers.Add(2)
	go s.run(ctx)
	go s.tick(ctx)
	s.signal()
}

// Stop halts reconciliation and waits for in-flight delegate builds.
func (s *ProxySharingScaler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.workers.Wait()
	s.builds.Wait()
}

// NumPendingSeats returns the number of delegate builds currently in flight.
func (s *ProxySharingScaler) NumPendingSeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingDelegateProxies)
}

func (s *ProxySharingScaler) signal() {
	select {
	case s.signals <- struct{}{}:
	default:
		// queue full, the safety tick will reconcile
	}
}

func (s *ProxySharingScaler) run(ctx context.Context) {
	defer s.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.signals:
		}
		// non-leaders drain signals but never touch the pool
		if !s.cfg.Leader.IsLeader() {
			continue
		}
		s.reconcile(ctx)
	}
}

func (s *ProxySharingScaler) tick(ctx context.Context) {
	defer s.workers.Done()
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.signal()
		}
	}
}

// reconcile compares the projected number of unclaimed seats with the
// configured bounds and schedules delegate builds or removals.
func (s *ProxySharingScaler) reconcile(ctx context.Context) {
	unclaimed, err := s.cfg.SeatStore.UnclaimedCount(ctx, s.specID)
	if err != nil {
		logger.Errorf("Scaler %s: cannot count unclaimed seats: %v", s.specID, err)
		return
	}

	s.mu.Lock()
	pendingBuilds := len(s.pendingDelegateProxies)
	pendingUsers := len(s.pendingDelegatingProxies)
	s.mu.Unlock()

	// gap is the projected seat surplus over the configured minimum once the
	// in-flight builds land and the waiting users claimed theirs
	gap := unclaimed + pendingBuilds - s.min - pendingUsers

	switch {
	case gap < 0:
		for range -gap {
			id := uuid.NewString()
			s.mu.Lock()
			s.pendingDelegateProxies = append(s.pendingDelegateProxies, id)
			pendingDelegateGauge.WithLabelValues(s.specID).Inc()
			s.mu.Unlock()

			s.builds.Add(1)
			go s.createDelegateProxy(ctx, id)
		}
	case s.cfg.EnableScaleDown && s.max > 0 && gap > s.max:
		s.scaleDown(ctx, gap-s.max)
	}
}

// createDelegateProxy builds one pool-owned proxy backing one seat.
func (s *ProxySharingScaler) createDelegateProxy(ctx context.Context, id string) {
	defer s.builds.Done()
	defer func() {
		s.mu.Lock()
		s.pendingDelegateProxies = slices.DeleteFunc(s.pendingDelegateProxies, func(p string) bool {
			return p == id
		})
		pendingDelegateGauge.WithLabelValues(s.specID).Dec()
		s.mu.Unlock()
		s.signal()
	}()

	sp := s.cfg.Spec
	p := proxy.Proxy{
		ID:               id,
		TargetID:         id,
		SpecID:           s.specID,
		Status:           proxy.StatusNew,
		CreatedTimestamp: time.Now(),
	}
	p = s.cfg.RuntimeValues.AddRuntimeValuesBeforeResolve(nil, sp, p)

	if err := s.cfg.DelegateStore.Add(store.DelegateProxy{Proxy: p}); err != nil {
		logger.Errorf("Scaler %s: cannot register delegate proxy %s: %v", s.specID, id, err)
		delegateStartFailures.WithLabelValues(s.specID).Inc()
		return
	}

	resolvedSpec, prepared, err := s.resolveDelegate(sp, p)
	if err != nil {
		logger.Errorf("Scaler %s: cannot resolve spec for delegate proxy %s: %v", s.specID, id, err)
		s.cleanupFailedDelegate(ctx, p)
		return
	}

	prepared = prepared.WithStatus(proxy.StatusStarting)
	started, err := s.cfg.Backend.StartProxy(ctx, nil, prepared, resolvedSpec, nil)
	if err != nil {
		logger.Errorf("Scaler %s: delegate proxy %s failed to start: %v", s.specID, id, err)
		var failed *backend.ProxyFailedToStartError
		if stderrors.As(err, &failed) {
			s.cleanupFailedDelegate(ctx, failed.Proxy)
		} else {
			s.cleanupFailedDelegate(ctx, prepared)
		}
		return
	}

	// A failed probe is logged but the seat is still published; the
	// delegate may simply be slow and will serve once it comes up.
	// TODO: reap delegates whose probe never succeeds instead of leaving
	// them in the pool.
	if !s.cfg.TestStrategy.TestProxy(ctx, started) {
		logger.Warnf("Scaler %s: delegate proxy %s did not respond to the readiness probe", s.specID, id)
	}

	up := started.WithStartup(time.Now())
	seat := store.Seat{ID: uuid.NewString(), DelegateProxyID: id}

	if err := s.cfg.DelegateStore.Update(store.DelegateProxy{Proxy: up, SeatIDs: []string{seat.ID}}); err != nil {
		logger.Errorf("Scaler %s: cannot store delegate proxy %s: %v", s.specID, id, err)
		s.cleanupFailedDelegate(ctx, up)
		return
	}
	if err := s.cfg.SeatStore.Add(ctx, s.specID, seat); err != nil {
		logger.Errorf("Scaler %s: cannot publish seat for delegate proxy %s: %v", s.specID, id, err)
		s.cleanupFailedDelegate(ctx, up)
		return
	}

	// each completed build satisfies one waiting user
	s.mu.Lock()
	if len(s.pendingDelegatingProxies) > 0 {
		s.pendingDelegatingProxies = s.pendingDelegatingProxies[1:]
	}
	s.mu.Unlock()

	seatsCreated.WithLabelValues(s.specID).Inc()
	logger.Infof("Scaler %s: delegate proxy %s is up, seat %s published", s.specID, id, seat.ID)
}

// resolveDelegate runs the two-phase resolution with a pool-owned context:
// no user identity, the proxy skeleton only.
func (s *ProxySharingScaler) resolveDelegate(sp *spec.ProxySpec, p proxy.Proxy) (*spec.ProxySpec, proxy.Proxy, error) {
	exprCtx := spec.ExpressionContext{Proxy: &p, Spec: sp}

	resolved, err := sp.FirstResolve(s.cfg.Resolver, exprCtx)
	if err != nil {
		return nil, proxy.Proxy{}, err
	}
	exprCtx.Spec = resolved
	resolved, err = resolved.FinalResolve(s.cfg.Resolver, exprCtx)
	if err != nil {
		return nil, proxy.Proxy{}, err
	}

	containers := make([]proxy.Container, 0, len(resolved.ContainerSpecs))
	for _, cs := range resolved.ContainerSpecs {
		containers = append(containers,
			s.cfg.RuntimeValues.AddRuntimeValuesAfterResolveContainer(cs, proxy.Container{Index: cs.Index}))
	}
	return resolved, p.WithContainers(containers), nil
}

func (s *ProxySharingScaler) cleanupFailedDelegate(ctx context.Context, p proxy.Proxy) {
	delegateStartFailures.WithLabelValues(s.specID).Inc()
	if len(p.Containers) > 0 {
		if err := s.cfg.Backend.StopProxy(ctx, p); err != nil {
			logger.Errorf("Scaler %s: cannot clean up containers of delegate proxy %s: %v", s.specID, p.ID, err)
		}
	}
	if err := s.cfg.DelegateStore.Remove(p.ID); err != nil {
		logger.Warnf("Scaler %s: cannot remove delegate proxy %s: %v", s.specID, p.ID, err)
	}
}

// scaleDown removes up to surplus delegates whose seats are all unclaimed.
// RemoveSeats is all-or-nothing, so a seat claimed concurrently simply skips
// that delegate.
func (s *ProxySharingScaler) scaleDown(ctx context.Context, surplus int) {
	removed := 0
	for _, d := range s.cfg.DelegateStore.All() {
		if removed >= surplus {
			return
		}
		if len(d.SeatIDs) == 0 || d.Proxy.Status != proxy.StatusUp {
			continue
		}
		ok, err := s.cfg.SeatStore.RemoveSeats(ctx, s.specID, d.SeatIDs)
		if err != nil {
			logger.Errorf("Scaler %s: cannot remove seats of delegate proxy %s: %v", s.specID, d.Proxy.ID, err)
			continue
		}
		if !ok {
			continue
		}

		if err := s.cfg.Backend.StopProxy(ctx, d.Proxy); err != nil {
			logger.Errorf("Scaler %s: cannot stop delegate proxy %s: %v", s.specID, d.Proxy.ID, err)
		}
		if err := s.cfg.DelegateStore.Remove(d.Proxy.ID); err != nil {
			logger.Warnf("Scaler %s: cannot remove delegate proxy %s: %v", s.specID, d.Proxy.ID, err)
		}
		seatsRemoved.WithLabelValues(s.specID).Add(float64(len(d.SeatIDs)))
		removed++
		logger.Infof("Scaler %s: removed surplus delegate proxy %s", s.specID, d.Proxy.ID)
	}
}
