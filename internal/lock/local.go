package lock

import (
	"context"
	"fmt"
	"sync"
)

// Local is an in-process keyed mutex. Entries are dropped once nobody holds
// or waits on them, so the map does not grow with the number of keys seen.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

type localEntry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Acquire(ctx context.Context, key string) (Release, error) {
	e := l.ref(key)
	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *Local) TryAcquire(_ context.Context, key string) (Release, bool, error) {
	e := l.ref(key)
	select {
	case e.sem <- struct{}{}:
		return l.releaser(key, e), true, nil
	default:
		l.unref(key, e)
		return nil, false, nil
	}
}

func (l *Local) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) releaser(key string, e *localEntry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(key, e)
		})
	}
}
