package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// claimScript atomically moves one seat from the unclaimed hash to the
// claimed hash and returns it.
var claimScript = redis.NewScript(`
local seats = redis.call('HKEYS', KEYS[1])
if #seats == 0 then
  return false
end
local seat = seats[1]
local delegate = redis.call('HGET', KEYS[1], seat)
redis.call('HDEL', KEYS[1], seat)
redis.call('HSET', KEYS[2], seat, delegate)
return {seat, delegate}
`)

// removeSeatsScript removes the given seats from the unclaimed hash, but
// only when every one of them is still unclaimed.
var removeSeatsScript = redis.NewScript(`
for i = 1, #ARGV do
  if redis.call('HEXISTS', KEYS[1], ARGV[i]) == 0 then
    return 0
  end
end
for i = 1, #ARGV do
  redis.call('HDEL', KEYS[1], ARGV[i])
end
return 1
`)

// RedisSeatStore is a SeatStore backed by Redis, for deployments where
// several instances share one seat pool. Seats live in two hashes per spec
// (unclaimed and claimed), mapping seat id to delegate proxy id; claims and
// removals run as scripts so they stay atomic across instances.
type RedisSeatStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisSeatStore creates a seat store on the given Redis address.
// keyPrefix namespaces the keys, e.g. "appproxy:".
func NewRedisSeatStore(addr, keyPrefix string) *RedisSeatStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})
	return NewRedisSeatStoreFromClient(client, keyPrefix)
}

// NewRedisSeatStoreFromClient creates a seat store on an existing client.
func NewRedisSeatStoreFromClient(client redis.UniversalClient, keyPrefix string) *RedisSeatStore {
	return &RedisSeatStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisSeatStore) unclaimedKey(specID string) string {
	return fmt.Sprintf("%sseats:%s:unclaimed", s.keyPrefix, specID)
}

func (s *RedisSeatStore) claimedKey(specID string) string {
	return fmt.Sprintf("%sseats:%s:claimed", s.keyPrefix, specID)
}

// Add implements SeatStore.
func (s *RedisSeatStore) Add(ctx context.Context, specID string, seat Seat) error {
	return s.client.HSet(ctx, s.unclaimedKey(specID), seat.ID, seat.DelegateProxyID).Err()
}

// Claim implements SeatStore.
func (s *RedisSeatStore) Claim(ctx context.Context, specID string) (*Seat, error) {
	result, err := claimScript.Run(ctx, s.client,
		[]string{s.unclaimedKey(specID), s.claimedKey(specID)}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pair, ok := result.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("unexpected claim script result: %v", result)
	}
	return &Seat{
		ID:              fmt.Sprintf("%v", pair[0]),
		DelegateProxyID: fmt.Sprintf("%v", pair[1]),
	}, nil
}

// Release implements SeatStore.
func (s *RedisSeatStore) Release(ctx context.Context, specID string, seat Seat) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.claimedKey(specID), seat.ID)
	pipe.HSet(ctx, s.unclaimedKey(specID), seat.ID, seat.DelegateProxyID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveSeats implements SeatStore.
func (s *RedisSeatStore) RemoveSeats(ctx context.Context, specID string, seatIDs []string) (bool, error) {
	if len(seatIDs) == 0 {
		return true, nil
	}
	args := make([]any, len(seatIDs))
	for i, id := range seatIDs {
		args[i] = id
	}
	removed, err := removeSeatsScript.Run(ctx, s.client,
		[]string{s.unclaimedKey(specID)}, args...).Int()
	if err != nil {
		return false, err
	}
	return removed == 1, nil
}

// UnclaimedCount implements SeatStore.
func (s *RedisSeatStore) UnclaimedCount(ctx context.Context, specID string) (int, error) {
	n, err := s.client.HLen(ctx, s.unclaimedKey(specID)).Result()
	return int(n), err
}

// ClaimedCount implements SeatStore.
func (s *RedisSeatStore) ClaimedCount(ctx context.Context, specID string) (int, error) {
	n, err := s.client.HLen(ctx, s.claimedKey(specID)).Result()
	return int(n), err
}
