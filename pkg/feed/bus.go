// Package feed fans journaled transactions out to live tail subscribers.
package feed

import (
	"context"
	"sync"

	"evaldb/pkg/generation"
	"evaldb/pkg/journal"
)

// Bus wraps a journal with per-database fan-out notification.
// When Append succeeds, every subscriber of that database receives the
// transaction.
type Bus struct {
	journal.Store
	mu   sync.RWMutex
	subs map[string]map[chan generation.Transac]struct{}
}

// NewBus creates a Bus wrapping the given store.
func NewBus(store journal.Store) *Bus {
	return &Bus{
		Store: store,
		subs:  make(map[string]map[chan generation.Transac]struct{}),
	}
}

// Append delegates to the underlying store, then fans out to subscribers.
func (b *Bus) Append(ctx context.Context, db string, tx generation.Transac) error {
	if err := b.Store.Append(ctx, db, tx); err != nil {
		return err
	}

	b.mu.RLock()
	for ch := range b.subs[db] {
		select {
		case ch <- tx:
		default:
			// subscriber is behind; drop to avoid blocking Append
		}
	}
	b.mu.RUnlock()

	return nil
}

// Subscribe returns a buffered channel that receives new transactions for db.
func (b *Bus) Subscribe(db string) chan generation.Transac {
	ch := make(chan generation.Transac, 64)
	b.mu.Lock()
	if b.subs[db] == nil {
		b.subs[db] = make(map[chan generation.Transac]struct{})
	}
	b.subs[db][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(db string, ch chan generation.Transac) {
	b.mu.Lock()
	delete(b.subs[db], ch)
	if len(b.subs[db]) == 0 {
		delete(b.subs, db)
	}
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of live subscribers for db.
func (b *Bus) Subscribers(db string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[db])
}
