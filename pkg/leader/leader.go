// Package leader provides single-writer election for the pool scalers.
//
// Only the elected leader mutates a spec's seat pool; every other instance
// keeps draining its signal channel but discards the signals.
package leader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/stacklok/appproxy/pkg/logger"
)

// Service reports whether this instance currently holds leadership.
type Service interface {
	IsLeader() bool
}

// Static is a Service with a fixed answer. Single-instance deployments are
// always the leader.
type Static bool

// IsLeader implements Service.
func (s Static) IsLeader() bool {
	return bool(s)
}

// FileLock is a Service elected through an exclusive file lock. Instances
// sharing the lock file (on a shared filesystem) elect whichever instance
// holds the lock; the others retry in the background.
type FileLock struct {
	lock     *flock.Flock
	interval time.Duration
	leader   atomic.Bool
	cancel   context.CancelFunc
}

// NewFileLock creates a file-lock elector on the given path and starts
// campaigning. Call Close to release the lock.
func NewFileLock(path string, interval time.Duration) *FileLock {
	ctx, cancel := context.WithCancel(context.Background())
	f := &FileLock{
		lock:     flock.New(path),
		interval: interval,
		cancel:   cancel,
	}
	go f.campaign(ctx)
	return f
}

func (f *FileLock) campaign(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if !f.leader.Load() {
			locked, err := f.lock.TryLock()
			if err != nil {
				logger.Warnf("Leader election: failed to acquire lock: %v", err)
			} else if locked {
				logger.Info("Leader election: acquired leadership")
				f.leader.Store(true)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// IsLeader implements Service.
func (f *FileLock) IsLeader() bool {
	return f.leader.Load()
}

// Close stops campaigning and releases the lock if held.
func (f *FileLock) Close() error {
	f.cancel()
	if f.leader.Swap(false) {
		return f.lock.Unlock()
	}
	return nil
}
