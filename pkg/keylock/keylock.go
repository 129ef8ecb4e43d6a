// Package keylock provides exclusive locks keyed by string, such as one lock per product.
package keylock

import (
	"context"
	"slices"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// Registry hands out one lock per key. Entries are dropped once nobody holds or waits on them.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock blocks until key is held or ctx is done.
func (r *Registry) Lock(ctx context.Context, key string) (func(), error) {
	if err := r.acquire(ctx, key); err != nil {
		return nil, err
	}
	return func() { r.release(key) }, nil
}

// LockAll acquires every key in ascending order so that callers locking overlapping
// sets can never deadlock. Duplicate keys are locked once. The returned func releases
// the keys in reverse order.
func (r *Registry) LockAll(ctx context.Context, keys []string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]string, 0, len(sorted))
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			r.release(held[i])
		}
	}
	for _, k := range sorted {
		if err := r.acquire(ctx, k); err != nil {
			unlock()
			return nil, err
		}
		held = append(held, k)
	}
	return unlock, nil
}

func (r *Registry) acquire(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.unref(key, e)
		r.mu.Unlock()
		return ctx.Err()
	}
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.locks[key]
	<-e.ch
	r.unref(key, e)
}

func (r *Registry) unref(key string, e *entry) {
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
}

// Len reports how many keys currently have holders or waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
