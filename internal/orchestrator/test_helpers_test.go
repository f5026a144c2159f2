package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/deckflow/backend/internal/deck"
	"github.com/deckflow/backend/internal/generation"
)

const waitDeadline = 5 * time.Second

type recordedStatus struct {
	deckID   string
	status   deck.Status
	progress int
	step     string
}

// statusRecorder captures published status transitions for assertions.
type statusRecorder struct {
	mu     sync.Mutex
	events []recordedStatus
}

func (r *statusRecorder) PublishStatus(deckID string, status deck.Status, progress int, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedStatus{deckID: deckID, status: status, progress: progress, step: step})
}

func (r *statusRecorder) forDeck(deckID string) []recordedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]recordedStatus, 0, len(r.events))
	for _, event := range r.events {
		if event.deckID == deckID {
			events = append(events, event)
		}
	}
	return events
}

func newTestStore(t *testing.T) *deck.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:orchestrator_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&deck.Deck{}, &deck.Slide{}, &deck.SlideVersion{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := deck.NewStore(deck.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func fastConfig() Config {
	return Config{
		MaxDecks:            3,
		MaxSlideConcurrency: 3,
		StageTimeout:        30 * time.Second,
		StageRetries:        1,
		RetryBackoff:        time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T, generator generation.Generator, cfg Config) (*Orchestrator, *deck.Store, *statusRecorder) {
	t.Helper()
	store := newTestStore(t)
	recorder := &statusRecorder{}
	orch, err := New(Dependencies{
		Store:     store,
		Generator: generator,
		Events:    recorder,
		Config:    cfg,
	})
	if err != nil {
		t.Fatalf("failed to construct orchestrator: %v", err)
	}
	t.Cleanup(orch.Close)
	return orch, store, recorder
}

func mustCreateDeck(t *testing.T, orch *Orchestrator, prompt string) string {
	t.Helper()
	deckID, err := orch.CreateDeck(context.Background(), CreateDeckRequest{Prompt: prompt})
	if err != nil {
		t.Fatalf("unexpected create deck error: %v", err)
	}
	return deckID
}

func waitForStatus(t *testing.T, orch *Orchestrator, deckID string, want deck.Status) deck.StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	var last deck.StatusSnapshot
	for time.Now().Before(deadline) {
		snapshot, err := orch.GetStatus(context.Background(), deckID)
		if err != nil {
			t.Fatalf("unexpected status error: %v", err)
		}
		if snapshot.Status == want {
			return snapshot
		}
		last = snapshot
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deck %s never reached %s, last seen %s (%q)", deckID, want, last.Status, last.Step)
	return deck.StatusSnapshot{}
}

func waitForTerminal(t *testing.T, orch *Orchestrator, deckID string) deck.StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for time.Now().Before(deadline) {
		snapshot, err := orch.GetStatus(context.Background(), deckID)
		if err != nil {
			t.Fatalf("unexpected status error: %v", err)
		}
		if snapshot.Status.Terminal() {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("deck %s never reached a terminal status", deckID)
	return deck.StatusSnapshot{}
}

func waitUntil(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitDeadline)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
