package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/appproxy/pkg/errors"
	"github.com/stacklok/appproxy/pkg/proxy"
)

func TestMemoryProxyStoreAddIsUnique(t *testing.T) {
	t.Parallel()

	s := NewMemoryProxyStore()
	require.NoError(t, s.Add(proxy.Proxy{ID: "p-1", Status: proxy.StatusNew}))

	err := s.Add(proxy.Proxy{ID: "p-1", Status: proxy.StatusNew})
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))
	assert.Len(t, s.All(), 1, "at most one live record per id")
}

func TestMemoryProxyStoreUpdateMissing(t *testing.T) {
	t.Parallel()

	s := NewMemoryProxyStore()
	err := s.Update(proxy.Proxy{ID: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryProxyStoreIsolation(t *testing.T) {
	t.Parallel()

	s := NewMemoryProxyStore()
	p := proxy.Proxy{ID: "p-1", Status: proxy.StatusNew,
		RuntimeValues: map[string]proxy.RuntimeValue{}}
	require.NoError(t, s.Add(p))

	got, ok := s.Get("p-1")
	require.True(t, ok)
	got.RuntimeValues["x"] = proxy.NewRuntimeValue(proxy.UserIDKey, "mallory")

	again, _ := s.Get("p-1")
	assert.Empty(t, again.RuntimeValues, "callers must not mutate stored state")
}

func TestMemorySeatStoreClaimPreservesTotal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemorySeatStore()
	require.NoError(t, s.Add(ctx, "s-1", Seat{ID: "seat-1", DelegateProxyID: "d-1"}))
	require.NoError(t, s.Add(ctx, "s-1", Seat{ID: "seat-2", DelegateProxyID: "d-2"}))

	seat, err := s.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, seat)

	unclaimed, err := s.UnclaimedCount(ctx, "s-1")
	require.NoError(t, err)
	claimed, err := s.ClaimedCount(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unclaimed)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 2, unclaimed+claimed, "a claim is a status change, never a create or destroy")
}

func TestMemorySeatStoreClaimEmpty(t *testing.T) {
	t.Parallel()

	seat, err := NewMemorySeatStore().Claim(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Nil(t, seat)
}

func TestMemorySeatStoreRemoveSeatsAllOrNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemorySeatStore()
	require.NoError(t, s.Add(ctx, "s-1", Seat{ID: "seat-1", DelegateProxyID: "d-1"}))
	require.NoError(t, s.Add(ctx, "s-1", Seat{ID: "seat-2", DelegateProxyID: "d-1"}))

	// claim one seat, then try to remove both
	_, err := s.Claim(ctx, "s-1")
	require.NoError(t, err)

	ok, err := s.RemoveSeats(ctx, "s-1", []string{"seat-1", "seat-2"})
	require.NoError(t, err)
	assert.False(t, ok, "removal must fail when any seat is claimed")

	unclaimed, err := s.UnclaimedCount(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unclaimed, "failed removal must not drop anything")
}

func TestMemorySeatStoreRelease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemorySeatStore()
	require.NoError(t, s.Add(ctx, "s-1", Seat{ID: "seat-1", DelegateProxyID: "d-1"}))

	seat, err := s.Claim(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, seat)
	require.NoError(t, s.Release(ctx, "s-1", *seat))

	unclaimed, err := s.UnclaimedCount(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unclaimed)
}

func TestMemoryDelegateProxyStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryDelegateProxyStore()
	d := DelegateProxy{Proxy: proxy.Proxy{ID: "d-1", Status: proxy.StatusNew}}
	require.NoError(t, s.Add(d))

	d.SeatIDs = []string{"seat-1"}
	d.Proxy.Status = proxy.StatusUp
	require.NoError(t, s.Update(d))

	got, ok := s.Get("d-1")
	require.True(t, ok)
	assert.Equal(t, []string{"seat-1"}, got.SeatIDs)
	assert.Equal(t, proxy.StatusUp, got.Proxy.Status)

	require.NoError(t, s.Remove("d-1"))
	assert.Empty(t, s.All())
}
