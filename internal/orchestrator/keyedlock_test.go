package orchestrator

import "testing"

func TestKeyedLocksRejectSecondWriter(t *testing.T) {
	locks := newKeyedLocks()

	if !locks.tryAcquire("deck-1", 1) {
		t.Fatalf("expected first acquire to succeed")
	}
	if locks.tryAcquire("deck-1", 1) {
		t.Fatalf("expected second acquire on the same slide to fail")
	}
	if !locks.tryAcquire("deck-1", 2) {
		t.Fatalf("expected a different slide of the same deck to be independent")
	}
	if !locks.tryAcquire("deck-2", 1) {
		t.Fatalf("expected the same slide of a different deck to be independent")
	}

	locks.release("deck-1", 1)
	if !locks.tryAcquire("deck-1", 1) {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestKeyedLocksReleaseUnheldIsHarmless(t *testing.T) {
	locks := newKeyedLocks()
	locks.release("deck-1", 1)
	if !locks.tryAcquire("deck-1", 1) {
		t.Fatalf("expected acquire to succeed on a fresh key")
	}
}
