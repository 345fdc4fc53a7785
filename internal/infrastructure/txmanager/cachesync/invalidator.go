// Package cachesync invalidates cached reads once the transaction that
// changed their underlying rows has actually committed, never before.
// Adapted from the mutex-guarded listener registry the platform's schema
// cache used to invalidate itself on writes; here the same shape drives a
// generic tx.Synchronization instead of one hardwired cache.
package cachesync

import (
	"context"
	"sync"

	"metapus/internal/core/tx"
)

// Invalidator is a tx.Synchronization that collects invalidation keys during
// a transaction and flushes them to an underlying cache exactly once, only
// after that transaction commits. Rollback discards the collected keys
// untouched, since nothing the transaction wrote is now visible anyway.
type Invalidator struct {
	tx.NoopSynchronization

	cache Cache

	mu   sync.Mutex
	keys map[string]struct{}
}

// Cache is the minimal surface an underlying cache must expose to be
// invalidated by key.
type Cache interface {
	Evict(ctx context.Context, key string)
}

// New returns an Invalidator over cache with no keys queued yet.
func New(cache Cache) *Invalidator {
	return &Invalidator{cache: cache, keys: make(map[string]struct{})}
}

// MarkDirty queues key for eviction once the current transaction commits.
// Safe to call from any goroutine participating in the same transaction.
func (i *Invalidator) MarkDirty(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys[key] = struct{}{}
}

// AfterCommit evicts every key queued during the transaction.
func (i *Invalidator) AfterCommit(ctx context.Context) error {
	i.mu.Lock()
	keys := make([]string, 0, len(i.keys))
	for k := range i.keys {
		keys = append(keys, k)
	}
	i.mu.Unlock()

	for _, k := range keys {
		i.cache.Evict(ctx, k)
	}
	return nil
}

// AfterCompletion clears the queue regardless of outcome, so this
// Invalidator can be reused across a synchronization list built fresh per
// call to Engine.GetTransaction.
func (i *Invalidator) AfterCompletion(ctx context.Context, status tx.CompletionStatus) error {
	i.mu.Lock()
	i.keys = make(map[string]struct{})
	i.mu.Unlock()
	return nil
}

var _ tx.Synchronization = (*Invalidator)(nil)
