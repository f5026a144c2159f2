package deck

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// advancingClock hands out strictly increasing timestamps so version ids and
// ordering stay deterministic.
type advancingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newAdvancingClock(start int64) *advancingClock {
	return &advancingClock{now: time.Unix(start, 0).UTC()}
}

func (c *advancingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	return newTestStoreWithCap(t, 0)
}

func newTestStoreWithCap(t *testing.T, versionCap int) (*Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:deckflow_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&Deck{}, &Slide{}, &SlideVersion{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      newAdvancingClock(1700000000).Now,
		VersionCap: versionCap,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store, db
}

func mustCreateDeck(t *testing.T, store *Store, deckID string) {
	t.Helper()
	err := store.CreateDeck(context.Background(), Deck{
		DeckID:           deckID,
		Title:            "Test deck " + deckID,
		Status:           StatusStarting,
		Step:             "Queued",
		CreatedAtSeconds: 1700000000,
	})
	if err != nil {
		t.Fatalf("unexpected create deck error: %v", err)
	}
}

func mustCommitSlide(t *testing.T, store *Store, deckID string, order int, html string, createdBy CreatedBy) string {
	t.Helper()
	versionID, err := store.CommitSlide(context.Background(), deckID, order,
		SlidePlan{Title: fmt.Sprintf("Slide %d", order)}, html, createdBy)
	if err != nil {
		t.Fatalf("unexpected commit slide error: %v", err)
	}
	return versionID
}
