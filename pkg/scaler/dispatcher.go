package scaler

import (
	"context"
	"time"

	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/events"
	"github.com/stacklok/appproxy/pkg/logger"
	"github.com/stacklok/appproxy/pkg/mapping"
	"github.com/stacklok/appproxy/pkg/proxy"
	"github.com/stacklok/appproxy/pkg/service"
	"github.com/stacklok/appproxy/pkg/store"
)

// defaultClaimInterval is how often a waiting dispatcher retries the claim.
const defaultClaimInterval = 500 * time.Millisecond

// Dispatcher hands pre-warmed seats to user proxies of one sharing-enabled
// spec. It replaces the container-start phase: instead of building
// containers, the user proxy is bound to the delegate proxy backing a
// claimed seat.
type Dispatcher struct {
	specID        string
	proxyStore    store.ProxyStore
	seatStore     store.SeatStore
	delegateStore store.DelegateProxyStore
	mapping       *mapping.Manager
	runtimeValues *service.RuntimeValueService
	bus           events.Bus

	claimInterval time.Duration
	claimTimeout  time.Duration
	now           func() time.Time
}

// NewDispatcher creates a dispatcher for one spec's pool. claimTimeout bounds
// how long a user proxy waits for a seat.
func NewDispatcher(
	specID string,
	proxyStore store.ProxyStore,
	seatStore store.SeatStore,
	delegateStore store.DelegateProxyStore,
	mappingManager *mapping.Manager,
	runtimeValues *service.RuntimeValueService,
	bus events.Bus,
	claimTimeout time.Duration,
) *Dispatcher {
	return &Dispatcher{
		specID:        specID,
		proxyStore:    proxyStore,
		seatStore:     seatStore,
		delegateStore: delegateStore,
		mapping:       mappingManager,
		runtimeValues: runtimeValues,
		bus:           bus,
		claimInterval: defaultClaimInterval,
		claimTimeout:  claimTimeout,
		now:           time.Now,
	}
}

// AcquireSeat claims a seat for the user proxy, waiting for the pool to
// produce one if necessary. On success the returned proxy is Up, bound to
// the delegate and routed through the delegate's targets.
func (d *Dispatcher) AcquireSeat(ctx context.Context, p proxy.Proxy) (proxy.Proxy, error) {
	ctx, cancel := context.WithTimeout(ctx, d.claimTimeout)
	defer cancel()

	seat, err := d.seatStore.Claim(ctx, d.specID)
	if err != nil {
		return proxy.Proxy{}, err
	}
	if seat != nil {
		return d.bind(ctx, p, *seat)
	}

	// the pool is empty: announce the waiting proxy so the scaler provisions
	// a seat, and retract the announcement if the wait ends without a claim
	d.bus.Publish(events.PendingProxyEvent{
		ProxyID: p.ID,
		UserID:  p.UserID,
		SpecID:  d.specID,
	})
	claimed := false
	defer func() {
		if !claimed {
			d.bus.Publish(events.PendingProxyCancelledEvent{
				ProxyID: p.ID,
				SpecID:  d.specID,
			})
		}
	}()

	ticker := time.NewTicker(d.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return proxy.Proxy{}, errors.NewContainerStartFailedError(
				"no seat became available for spec "+d.specID, ctx.Err())
		case <-ticker.C:
		}

		seat, err := d.seatStore.Claim(ctx, d.specID)
		if err != nil {
			return proxy.Proxy{}, err
		}
		if seat != nil {
			claimed = true
			return d.bind(ctx, p, *seat)
		}
	}
}

// bind rewrites the user proxy onto the delegate backing the seat and
// registers the delegate's routes for it.
func (d *Dispatcher) bind(ctx context.Context, p proxy.Proxy, seat store.Seat) (proxy.Proxy, error) {
	delegate, ok := d.delegateStore.Get(seat.DelegateProxyID)
	if !ok {
		// the delegate vanished between seat publication and claim; put the
		// seat back so it is not lost, then fail the start
		if err := d.seatStore.Release(ctx, d.specID, seat); err != nil {
			logger.Errorf("Dispatcher %s: cannot release orphaned seat %s: %v", d.specID, seat.ID, err)
		}
		return proxy.Proxy{}, errors.NewIllegalStateError(
			"delegate proxy "+seat.DelegateProxyID+" of seat "+seat.ID+" not found", nil)
	}

	bound := p.WithTargetID(seat.DelegateProxyID).
		WithRuntimeValue(proxy.NewRuntimeValue(proxy.PublicPathKey, d.runtimeValues.PublicPath(seat.DelegateProxyID))).
		WithRuntimeValue(proxy.NewRuntimeValue(proxy.SeatIDKey, seat.ID))
	bound = bound.WithStartup(d.now())

	for name, target := range delegate.Proxy.Targets {
		if err := d.mapping.AddMapping(bound.ID, name, target); err != nil {
			return proxy.Proxy{}, err
		}
	}

	if err := d.proxyStore.Update(bound); err != nil {
		return proxy.Proxy{}, err
	}

	d.bus.Publish(events.SeatClaimedEvent{
		SpecID:          d.specID,
		SeatID:          seat.ID,
		DelegateProxyID: seat.DelegateProxyID,
	})
	logger.Infof("Dispatcher %s: proxy %s claimed seat %s on delegate %s",
		d.specID, p.ID, seat.ID, seat.DelegateProxyID)
	return bound, nil
}

// ReleaseSeat returns the seat of a stopping delegating proxy to the pool
// and unregisters its routes.
func (d *Dispatcher) ReleaseSeat(ctx context.Context, p proxy.Proxy, seat store.Seat) error {
	for _, name := range d.mapping.MappingsOf(p.ID) {
		d.mapping.RemoveMapping(name)
	}
	return d.seatStore.Release(ctx, d.specID, seat)
}

// ReleaseSeatOf releases the seat bound to the proxy, identified through its
// seat-id runtime value. Proxies that never claimed a seat are a no-op.
func (d *Dispatcher) ReleaseSeatOf(ctx context.Context, p proxy.Proxy) error {
	rv, ok := p.RuntimeValue(proxy.SeatIDKey)
	if !ok {
		return nil
	}
	seat := store.Seat{ID: rv.Value, DelegateProxyID: p.TargetID}
	logger.Infof("Dispatcher %s: proxy %s returns seat %s to the pool", d.specID, p.ID, seat.ID)
	return d.ReleaseSeat(ctx, p, seat)
}
