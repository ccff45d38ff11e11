// Package lock serializes writers per resource key within one process.
package lock

import (
	"context"
	"sync"
)

// Registry hands out one lock per key. Locks are created on first use and
// kept for the lifetime of the registry. The registry mutex is held only to
// look up or create a lock, never while a key lock is held.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem chan struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*keyLock)}
}

// Key is the lock key of an environment of a project.
func Key(project, env string) string {
	return "env:" + project + "/" + env
}

// ProjectKey is the lock key of a project's root flags. It never collides
// with an environment key.
func ProjectKey(project string) string {
	return "project:" + project
}

func (r *Registry) get(key string) *keyLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		r.locks[key] = l
	}
	return l
}

// Acquire blocks until the lock for key is held or ctx is done. The returned
// release func may be called more than once.
func (r *Registry) Acquire(ctx context.Context, key string) (release func(), err error) {
	l := r.get(key)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-l.sem }) }, nil
}

// Do runs fn while holding the lock for key. The lock is released when fn
// returns or panics.
func (r *Registry) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	release, err := r.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Len reports how many keys have a lock.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
