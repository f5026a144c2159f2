package orchestrator

import "sync"

type slideKey struct {
	deckID string
	order  int
}

// keyedLocks enforces the single-writer-per-slide invariant with explicit
// (deck, slide) try-locks. A second writer is rejected, never queued.
type keyedLocks struct {
	mu   sync.Mutex
	held map[slideKey]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[slideKey]struct{})}
}

// tryAcquire claims the slide lock, reporting false when another writer holds
// it.
func (l *keyedLocks) tryAcquire(deckID string, order int) bool {
	key := slideKey{deckID: deckID, order: order}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *keyedLocks) release(deckID string, order int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, slideKey{deckID: deckID, order: order})
}
