package peerstate

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/migadu/autocrypt/pkg/metrics"
)

// DefaultLockTimeout bounds how long an update waits for the store lock.
const DefaultLockTimeout = 5 * time.Second

// updateLock is a mutex whose acquisition honors context cancellation.
type updateLock struct {
	ch      chan struct{}
	timeout time.Duration
}

func newUpdateLock(timeout time.Duration) *updateLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &updateLock{ch: make(chan struct{}, 1), timeout: timeout}
}

// acquire blocks until the lock is held, the context is done, or the timeout
// elapses. The returned release function is idempotent.
func (l *updateLock) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %v: %v", consts.ErrLockTimeout, time.Since(start).Round(time.Millisecond), ctx.Err())
	}
	metrics.StoreLockWait.Observe(time.Since(start).Seconds())

	released := false
	return func() {
		if !released {
			released = true
			<-l.ch
		}
	}, nil
}
