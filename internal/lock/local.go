// Package lock provides the process-local keyed mutex registry and the
// Redis-backed mutex and fair lock used to serialize purchases.
package lock

import (
	"context"
	"sync"
)

// Registry hands out one mutex per key. Entries live only while some caller
// holds or waits on them, so the map stays bounded by in-flight keys.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*localLock)}
}

// Lock blocks until key is free or ctx is done. Waiters are served in
// arrival order. The returned release func is safe to call more than once.
func (r *Registry) Lock(ctx context.Context, key string) (func(), error) {
	l := r.ref(key)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		r.unref(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			r.unref(key, l)
		})
	}, nil
}

// Len reports how many keys currently have holders or waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) ref(key string) *localLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[key]
	if !ok {
		l = &localLock{ch: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	l.refs++
	return l
}

func (r *Registry) unref(key string, l *localLock) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(r.locks, key)
	}
}
