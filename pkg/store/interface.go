// Package store defines the shared state behind the proxy core: the set of
// live proxies, the pool of seats, and the pool-owned delegate proxies.
//
// The stores own their synchronization; the lifecycle engine and the scalers
// rely on their operations being safe under concurrent use.
package store

import (
	"context"
	"slices"

	"github.com/stacklok/appproxy/pkg/proxy"
)

// Seat is a reservation of a pre-warmed delegate proxy that a user proxy can
// claim. A seat is unclaimed until a delegating proxy references it.
type Seat struct {
	// ID is the unique seat id.
	ID string
	// DelegateProxyID is the pool-owned proxy backing this seat.
	DelegateProxyID string
}

// DelegateProxy is a pool-owned proxy record together with the seats it
// backs. The simple pool form carries exactly one seat; the set leaves room
// for multi-seat containers.
type DelegateProxy struct {
	Proxy   proxy.Proxy
	SeatIDs []string
}

// Clone returns a deep copy of the delegate proxy.
func (d DelegateProxy) Clone() DelegateProxy {
	d.Proxy = d.Proxy.Clone()
	d.SeatIDs = slices.Clone(d.SeatIDs)
	return d
}

// ProxyStore is the authoritative set of live proxies.
type ProxyStore interface {
	// Add inserts a new proxy. Adding an id that already exists fails, which
	// makes retried starts idempotent at the store level.
	Add(p proxy.Proxy) error
	// Get returns the current version of the proxy with the given id.
	Get(id string) (proxy.Proxy, bool)
	// Update replaces the stored version of the proxy. Fails when the proxy
	// is no longer present.
	Update(p proxy.Proxy) error
	// Remove deletes the proxy with the given id.
	Remove(id string) error
	// All returns the current version of every live proxy.
	All() []proxy.Proxy
}

// SeatStore is the pool of unclaimed and claimed seats, keyed by spec.
// Implementations may be process-local or distributed.
type SeatStore interface {
	// Add publishes a new unclaimed seat.
	Add(ctx context.Context, specID string, seat Seat) error
	// Claim atomically claims an arbitrary unclaimed seat, returning nil
	// when no seat is available. A claim is a status change; the total seat
	// count is preserved.
	Claim(ctx context.Context, specID string) (*Seat, error)
	// Release returns a claimed seat to the unclaimed pool.
	Release(ctx context.Context, specID string, seat Seat) error
	// RemoveSeats removes all given seats, but only if every one of them is
	// currently unclaimed. Returns false without removing anything when any
	// seat was claimed in the meantime.
	RemoveSeats(ctx context.Context, specID string, seatIDs []string) (bool, error)
	// UnclaimedCount returns the number of unclaimed seats for the spec.
	UnclaimedCount(ctx context.Context, specID string) (int, error)
	// ClaimedCount returns the number of claimed seats for the spec.
	ClaimedCount(ctx context.Context, specID string) (int, error)
}

// DelegateProxyStore holds the pool-owned proxy records of one spec's pool.
type DelegateProxyStore interface {
	// Add inserts a new delegate proxy record.
	Add(d DelegateProxy) error
	// Update replaces the stored record.
	Update(d DelegateProxy) error
	// Get returns the record with the given proxy id.
	Get(id string) (DelegateProxy, bool)
	// Remove deletes the record with the given proxy id.
	Remove(id string) error
	// All returns every delegate proxy of the pool.
	All() []DelegateProxy
}
