// Package lock provides per-key mutual exclusion. The Redis locker hands out
// leases shared by every process pointed at the same Redis; the local locker
// only serializes goroutines within one process.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned by Acquire when the context ends before the key
// could be locked.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives a held key back. Calling it more than once is a no-op.
type Release func()

// Locker locks string keys.
type Locker interface {
	// Acquire blocks until key is held or ctx is done.
	Acquire(ctx context.Context, key string) (Release, error)
	// TryAcquire returns immediately; ok is false when another holder has key.
	TryAcquire(ctx context.Context, key string) (release Release, ok bool, err error)
}
