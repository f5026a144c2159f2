package deck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultVersionCap = 10

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig configures the deck store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// VersionCap bounds the history length enforced on manual saves. Zero
	// selects the default; generation and AI modification never trim.
	VersionCap int
}

// Store persists decks, slides, and the append-only slide version history.
// It is the only component that writes those tables; callers serialize
// per-slide writers above it.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	logger     *zap.Logger
	versionCap int
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cap := cfg.VersionCap
	if cap <= 0 {
		cap = defaultVersionCap
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, versionCap: cap}, nil
}

// CreateDeck inserts the initial deck record.
func (s *Store) CreateDeck(ctx context.Context, record Deck) error {
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError("create_deck", err, zap.String("deck_id", record.DeckID))
		return fmt.Errorf("%w: create deck: %v", ErrInternal, err)
	}
	return nil
}

// GetDeck loads one deck row.
func (s *Store) GetDeck(ctx context.Context, deckID string) (Deck, error) {
	var record Deck
	err := s.db.WithContext(ctx).Where("deck_id = ?", deckID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Deck{}, fmt.Errorf("%w: deck %s", ErrNotFound, deckID)
	}
	if err != nil {
		s.logError("get_deck", err, zap.String("deck_id", deckID))
		return Deck{}, fmt.Errorf("%w: get deck: %v", ErrInternal, err)
	}
	return record, nil
}

// Snapshot derives the read-optimized status projection for a deck.
func (s *Store) Snapshot(ctx context.Context, deckID string) (StatusSnapshot, error) {
	record, err := s.GetDeck(ctx, deckID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	var slideCount int64
	if err := s.db.WithContext(ctx).Model(&Slide{}).
		Where("deck_id = ?", deckID).Count(&slideCount).Error; err != nil {
		s.logError("snapshot_count", err, zap.String("deck_id", deckID))
		return StatusSnapshot{}, fmt.Errorf("%w: count slides: %v", ErrInternal, err)
	}
	return StatusSnapshot{
		DeckID:             record.DeckID,
		Title:              record.Title,
		Status:             record.Status,
		SlideCount:         int(slideCount),
		Progress:           record.Progress,
		Step:               record.Step,
		CreatedAtSeconds:   record.CreatedAtSeconds,
		UpdatedAtSeconds:   record.UpdatedAtSeconds,
		CompletedAtSeconds: record.CompletedAtSeconds,
	}, nil
}

// ListDecks returns deck summaries, newest first.
func (s *Store) ListDecks(ctx context.Context, limit int) ([]Summary, error) {
	var records []Deck
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		s.logError("list_decks", err)
		return nil, fmt.Errorf("%w: list decks: %v", ErrInternal, err)
	}

	summaries := make([]Summary, 0, len(records))
	for _, record := range records {
		var slideCount int64
		if err := s.db.WithContext(ctx).Model(&Slide{}).
			Where("deck_id = ?", record.DeckID).Count(&slideCount).Error; err != nil {
			s.logError("list_decks_count", err, zap.String("deck_id", record.DeckID))
			return nil, fmt.Errorf("%w: count slides: %v", ErrInternal, err)
		}
		summaries = append(summaries, Summary{
			DeckID:           record.DeckID,
			Title:            record.Title,
			Status:           record.Status,
			SlideCount:       int(slideCount),
			CreatedAtSeconds: record.CreatedAtSeconds,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
		})
	}
	return summaries, nil
}

// GetMaterialized loads the full deck view: slides with content and version
// metadata, version bodies omitted.
func (s *Store) GetMaterialized(ctx context.Context, deckID string) (MaterializedDeck, error) {
	record, err := s.GetDeck(ctx, deckID)
	if err != nil {
		return MaterializedDeck{}, err
	}

	var slides []Slide
	if err := s.db.WithContext(ctx).
		Where("deck_id = ?", deckID).
		Order("slide_order ASC").
		Find(&slides).Error; err != nil {
		s.logError("materialize_slides", err, zap.String("deck_id", deckID))
		return MaterializedDeck{}, fmt.Errorf("%w: load slides: %v", ErrInternal, err)
	}

	materialized := MaterializedDeck{Deck: record, Slides: make([]MaterializedSlide, 0, len(slides))}
	for _, slide := range slides {
		plan, err := DecodePlan(slide.PlanJSON)
		if err != nil {
			s.logError("materialize_plan", err,
				zap.String("deck_id", deckID), zap.Int("slide_order", slide.SlideOrder))
			return MaterializedDeck{}, fmt.Errorf("%w: decode plan: %v", ErrInternal, err)
		}

		var versions []SlideVersion
		if err := s.db.WithContext(ctx).
			Where("deck_id = ? AND slide_order = ?", deckID, slide.SlideOrder).
			Order("created_at_s DESC, version_id DESC").
			Find(&versions).Error; err != nil {
			s.logError("materialize_versions", err,
				zap.String("deck_id", deckID), zap.Int("slide_order", slide.SlideOrder))
			return MaterializedDeck{}, fmt.Errorf("%w: load versions: %v", ErrInternal, err)
		}
		metas := make([]VersionMeta, 0, len(versions))
		for _, version := range versions {
			metas = append(metas, VersionMeta{
				VersionID:        version.VersionID,
				CreatedAtSeconds: version.CreatedAtSeconds,
				IsCurrent:        version.IsCurrent,
				CreatedBy:        version.CreatedBy,
			})
		}

		materialized.Slides = append(materialized.Slides, MaterializedSlide{
			Order:            slide.SlideOrder,
			Plan:             plan,
			HTMLContent:      slide.HTMLContent,
			CurrentVersionID: slide.CurrentVersionID,
			Failed:           slide.Failed,
			UpdatedAtSeconds: slide.UpdatedAtSeconds,
			Versions:         metas,
		})
	}
	return materialized, nil
}

// UpdatePlanMetadata records the deck-level outline produced by the planning
// step.
func (s *Store) UpdatePlanMetadata(ctx context.Context, deckID, title, goal, audience, coreMessage, colorTheme string) error {
	updates := map[string]any{
		"goal":         goal,
		"audience":     audience,
		"core_message": coreMessage,
		"color_theme":  colorTheme,
		"updated_at_s": s.clock().UTC().Unix(),
	}
	if title != "" {
		updates["title"] = title
	}
	return s.updateDeck(ctx, deckID, "update_plan_metadata", updates)
}

// SetProgress persists an in-flight status/progress/step transition.
func (s *Store) SetProgress(ctx context.Context, deckID string, status Status, progress int, step string) error {
	return s.updateDeck(ctx, deckID, "set_progress", map[string]any{
		"status":       status,
		"progress":     progress,
		"step":         step,
		"updated_at_s": s.clock().UTC().Unix(),
	})
}

// SetTerminal persists a terminal transition; completed decks also record
// their completion time.
func (s *Store) SetTerminal(ctx context.Context, deckID string, status Status, step string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrValidation, status)
	}
	now := s.clock().UTC().Unix()
	updates := map[string]any{
		"status":       status,
		"step":         step,
		"updated_at_s": now,
	}
	if status == StatusCompleted {
		updates["progress"] = 100
		updates["completed_at_s"] = now
	}
	return s.updateDeck(ctx, deckID, "set_terminal", updates)
}

// SetStatus persists a bare status change (modifying interludes and their
// resolution).
func (s *Store) SetStatus(ctx context.Context, deckID string, status Status, step string) error {
	return s.updateDeck(ctx, deckID, "set_status", map[string]any{
		"status":       status,
		"step":         step,
		"updated_at_s": s.clock().UTC().Unix(),
	})
}

// CurrentStatus reads the committed status of a deck.
func (s *Store) CurrentStatus(ctx context.Context, deckID string) (Status, error) {
	record, err := s.GetDeck(ctx, deckID)
	if err != nil {
		return "", err
	}
	return record.Status, nil
}

// CommitSlide writes a rendered slide and its version in one transaction. Any
// previously current version for the slide is unflagged. Used both for the
// initial render and for AI modifications.
func (s *Store) CommitSlide(ctx context.Context, deckID string, order int, plan SlidePlan, html string, createdBy CreatedBy) (string, error) {
	planJSON, err := EncodePlan(plan)
	if err != nil {
		return "", fmt.Errorf("%w: encode plan: %v", ErrInternal, err)
	}

	now := s.clock().UTC()
	var versionID string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versionID, err = s.appendVersion(tx, deckID, order, html, createdBy, now)
		if err != nil {
			return err
		}
		slide := Slide{
			DeckID:           deckID,
			SlideOrder:       order,
			PlanJSON:         planJSON,
			HTMLContent:      html,
			CurrentVersionID: versionID,
			Failed:           false,
			UpdatedAtSeconds: now.Unix(),
		}
		return tx.Save(&slide).Error
	})
	if txErr != nil {
		s.logError("commit_slide", txErr,
			zap.String("deck_id", deckID), zap.Int("slide_order", order))
		if errors.Is(txErr, ErrNotFound) {
			return "", txErr
		}
		return "", fmt.Errorf("%w: commit slide: %v", ErrInternal, txErr)
	}
	return versionID, nil
}

// MarkSlideFailed records a slide whose pipeline exhausted its retries. The
// placeholder content is stored on the slide row only; no version is written.
func (s *Store) MarkSlideFailed(ctx context.Context, deckID string, order int, plan SlidePlan, placeholder string) error {
	planJSON, err := EncodePlan(plan)
	if err != nil {
		return fmt.Errorf("%w: encode plan: %v", ErrInternal, err)
	}
	slide := Slide{
		DeckID:           deckID,
		SlideOrder:       order,
		PlanJSON:         planJSON,
		HTMLContent:      placeholder,
		Failed:           true,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&slide).Error; err != nil {
		s.logError("mark_slide_failed", err,
			zap.String("deck_id", deckID), zap.Int("slide_order", order))
		return fmt.Errorf("%w: mark slide failed: %v", ErrInternal, err)
	}
	return nil
}

// DeleteDeck removes a deck and cascades to its slides and version history in
// one transaction. The orchestrator rejects deletes on active decks before
// calling this.
func (s *Store) DeleteDeck(ctx context.Context, deckID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Deck
		err := tx.Where("deck_id = ?", deckID).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: deck %s", ErrNotFound, deckID)
		}
		if err != nil {
			return err
		}
		if err := tx.Where("deck_id = ?", deckID).Delete(&SlideVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("deck_id = ?", deckID).Delete(&Slide{}).Error; err != nil {
			return err
		}
		return tx.Where("deck_id = ?", deckID).Delete(&Deck{}).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) {
			return txErr
		}
		s.logError("delete_deck", txErr, zap.String("deck_id", deckID))
		return fmt.Errorf("%w: delete deck: %v", ErrInternal, txErr)
	}
	return nil
}

func (s *Store) updateDeck(ctx context.Context, deckID, operation string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Deck{}).
		Where("deck_id = ?", deckID).
		Updates(updates)
	if result.Error != nil {
		s.logError(operation, result.Error, zap.String("deck_id", deckID))
		return fmt.Errorf("%w: %s: %v", ErrInternal, operation, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: deck %s", ErrNotFound, deckID)
	}
	return nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("deck store error", attrs...)
}
