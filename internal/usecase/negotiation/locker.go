package negotiation

import (
	"context"
	"fmt"
	"sync"
)

// keyedLocker provides operation-level mutual exclusion per negotiation ID.
// It serializes concurrent mutations on the same negotiation while leaving
// distinct negotiations fully concurrent.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedMutex
}

type keyedMutex struct {
	mu       sync.Mutex
	refCount int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{
		locks: make(map[string]*keyedMutex),
	}
}

// Lock acquires the lock for the given key. It blocks until the lock is
// acquired or the context is cancelled. Returns an unlock function that MUST
// be called when the operation is complete.
func (kl *keyedLocker) Lock(ctx context.Context, key string) (unlock func(), err error) {
	kl.mu.Lock()
	km, ok := kl.locks[key]
	if !ok {
		km = &keyedMutex{}
		kl.locks[key] = km
	}
	km.refCount++
	kl.mu.Unlock()

	// Acquire the keyed mutex with context cancellation support.
	acquired := make(chan struct{})
	go func() {
		km.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() {
			km.mu.Unlock()
			kl.mu.Lock()
			km.refCount--
			if km.refCount == 0 {
				delete(kl.locks, key)
			}
			kl.mu.Unlock()
		}, nil

	case <-ctx.Done():
		// The acquiring goroutine may still win the mutex later; wait for it
		// and release immediately so the lock is never held forever.
		go func() {
			<-acquired
			km.mu.Unlock()
			kl.mu.Lock()
			km.refCount--
			if km.refCount == 0 {
				delete(kl.locks, key)
			}
			kl.mu.Unlock()
		}()
		return nil, fmt.Errorf("negotiation lock: %w", ctx.Err())
	}
}

// ActiveCount returns the number of keys with active or pending locks.
// Intended for testing.
func (kl *keyedLocker) ActiveCount() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}
