package deck

import (
	"context"
	"errors"
	"testing"
)

func TestCreateDeckAndSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	snapshot, err := store.Snapshot(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if snapshot.DeckID != "deck-1" {
		t.Fatalf("unexpected deck id %q", snapshot.DeckID)
	}
	if snapshot.Status != StatusStarting {
		t.Fatalf("expected starting status, got %s", snapshot.Status)
	}
	if snapshot.SlideCount != 0 {
		t.Fatalf("expected zero slides, got %d", snapshot.SlideCount)
	}
	if snapshot.Step != "Queued" {
		t.Fatalf("unexpected step %q", snapshot.Step)
	}
}

func TestSnapshotUnknownDeck(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Snapshot(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetTerminalCompletedRecordsCompletion(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	if err := store.SetTerminal(context.Background(), "deck-1", StatusCompleted, "Completed"); err != nil {
		t.Fatalf("unexpected terminal error: %v", err)
	}

	record, err := store.GetDeck(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("unexpected get deck error: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", record.Status)
	}
	if record.Progress != 100 {
		t.Fatalf("expected progress 100, got %d", record.Progress)
	}
	if record.CompletedAtSeconds == 0 {
		t.Fatalf("expected completed timestamp to be set")
	}
}

func TestSetTerminalRejectsNonTerminalStatus(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	err := store.SetTerminal(context.Background(), "deck-1", StatusWriting, "nope")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSetProgressUnknownDeck(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.SetProgress(context.Background(), "missing", StatusPlanning, 10, "Planning")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCommitSlideKeepsExactlyOneCurrentVersion(t *testing.T) {
	store, db := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	first := mustCommitSlide(t, store, "deck-1", 1, "<html>one</html>", CreatedBySystem)
	second := mustCommitSlide(t, store, "deck-1", 1, "<html>two</html>", CreatedByAI)
	if first == second {
		t.Fatalf("expected distinct version ids")
	}

	var current int64
	if err := db.Model(&SlideVersion{}).
		Where("deck_id = ? AND slide_order = ? AND is_current = ?", "deck-1", 1, true).
		Count(&current).Error; err != nil {
		t.Fatalf("failed to count current versions: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected exactly one current version, got %d", current)
	}

	var slide Slide
	if err := db.Where("deck_id = ? AND slide_order = ?", "deck-1", 1).Take(&slide).Error; err != nil {
		t.Fatalf("failed to load slide: %v", err)
	}
	if slide.CurrentVersionID != second {
		t.Fatalf("expected slide to point at %s, got %s", second, slide.CurrentVersionID)
	}
	if slide.HTMLContent != "<html>two</html>" {
		t.Fatalf("unexpected slide content %q", slide.HTMLContent)
	}
}

func TestCommitSlidePreservesEarlierVersionContent(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	first := mustCommitSlide(t, store, "deck-1", 1, "<html>one</html>", CreatedBySystem)
	mustCommitSlide(t, store, "deck-1", 1, "<html>two</html>", CreatedByAI)

	versions, err := store.ListVersions(context.Background(), "deck-1", 1)
	if err != nil {
		t.Fatalf("unexpected list versions error: %v", err)
	}
	for _, version := range versions {
		if version.VersionID == first && version.Content != "<html>one</html>" {
			t.Fatalf("expected earlier version content to be immutable, got %q", version.Content)
		}
	}
}

func TestMarkSlideFailedWritesNoVersion(t *testing.T) {
	store, db := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	err := store.MarkSlideFailed(context.Background(), "deck-1", 2,
		SlidePlan{Title: "Slide 2"}, "<html><body><p>Slide 2 could not be generated.</p></body></html>")
	if err != nil {
		t.Fatalf("unexpected mark failed error: %v", err)
	}

	var slide Slide
	if err := db.Where("deck_id = ? AND slide_order = ?", "deck-1", 2).Take(&slide).Error; err != nil {
		t.Fatalf("failed to load slide: %v", err)
	}
	if !slide.Failed {
		t.Fatalf("expected slide to be flagged failed")
	}
	if slide.CurrentVersionID != "" {
		t.Fatalf("expected no current version, got %s", slide.CurrentVersionID)
	}

	var versionCount int64
	if err := db.Model(&SlideVersion{}).
		Where("deck_id = ? AND slide_order = ?", "deck-1", 2).
		Count(&versionCount).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if versionCount != 0 {
		t.Fatalf("expected zero versions, got %d", versionCount)
	}
}

func TestListDecksNewestFirstWithLimit(t *testing.T) {
	store, db := newTestStore(t)
	for i, id := range []string{"deck-a", "deck-b", "deck-c"} {
		if err := store.CreateDeck(context.Background(), Deck{
			DeckID:           id,
			Title:            id,
			Status:           StatusCompleted,
			CreatedAtSeconds: int64(1700000000 + i),
		}); err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	_ = db

	summaries, err := store.ListDecks(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].DeckID != "deck-c" || summaries[1].DeckID != "deck-b" {
		t.Fatalf("expected newest first, got %s then %s", summaries[0].DeckID, summaries[1].DeckID)
	}
}

func TestGetMaterializedIncludesVersionMetadata(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")
	mustCommitSlide(t, store, "deck-1", 1, "<html>one</html>", CreatedBySystem)
	mustCommitSlide(t, store, "deck-1", 2, "<html>two</html>", CreatedBySystem)
	mustCommitSlide(t, store, "deck-1", 1, "<html>one again</html>", CreatedByAI)

	materialized, err := store.GetMaterialized(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("unexpected materialize error: %v", err)
	}
	if len(materialized.Slides) != 2 {
		t.Fatalf("expected 2 slides, got %d", len(materialized.Slides))
	}
	if materialized.Slides[0].Order != 1 || materialized.Slides[1].Order != 2 {
		t.Fatalf("expected slides ordered by slide_order")
	}
	firstSlide := materialized.Slides[0]
	if len(firstSlide.Versions) != 2 {
		t.Fatalf("expected 2 versions on slide 1, got %d", len(firstSlide.Versions))
	}
	if !firstSlide.Versions[0].IsCurrent {
		t.Fatalf("expected newest version first and current")
	}
	if firstSlide.Versions[0].CreatedBy != CreatedByAI {
		t.Fatalf("expected newest version created by ai, got %s", firstSlide.Versions[0].CreatedBy)
	}
}

func TestUpdatePlanMetadataKeepsTitleWhenEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")

	err := store.UpdatePlanMetadata(context.Background(), "deck-1", "", "persuade", "Investors", "Grow fast", "professional_blue")
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	record, err := store.GetDeck(context.Background(), "deck-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if record.Title != "Test deck deck-1" {
		t.Fatalf("expected original title preserved, got %q", record.Title)
	}
	if record.Goal != "persuade" || record.Audience != "Investors" {
		t.Fatalf("expected plan metadata recorded, got %+v", record)
	}
}

func TestDeleteDeckCascades(t *testing.T) {
	store, db := newTestStore(t)
	mustCreateDeck(t, store, "deck-1")
	mustCommitSlide(t, store, "deck-1", 1, "<html>one</html>", CreatedBySystem)
	mustCommitSlide(t, store, "deck-1", 2, "<html>two</html>", CreatedBySystem)

	if err := store.DeleteDeck(context.Background(), "deck-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	for _, model := range []any{&Deck{}, &Slide{}, &SlideVersion{}} {
		var count int64
		if err := db.Model(model).Where("deck_id = ?", "deck-1").Count(&count).Error; err != nil {
			t.Fatalf("failed to count rows: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected cascade to remove all rows for %T, found %d", model, count)
		}
	}
}

func TestDeleteUnknownDeck(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.DeleteDeck(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
