package deck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// appendVersion writes a new current version row inside the caller's
// transaction, unflagging whichever row was current before.
func (s *Store) appendVersion(tx *gorm.DB, deckID string, order int, content string, createdBy CreatedBy, now time.Time) (string, error) {
	var count int64
	if err := tx.Model(&SlideVersion{}).
		Where("deck_id = ? AND slide_order = ?", deckID, order).
		Count(&count).Error; err != nil {
		return "", err
	}

	if err := tx.Model(&SlideVersion{}).
		Where("deck_id = ? AND slide_order = ? AND is_current = ?", deckID, order, true).
		Update("is_current", false).Error; err != nil {
		return "", err
	}

	version := SlideVersion{
		VersionID:        fmt.Sprintf("v%d_%d", count+1, now.UnixNano()),
		DeckID:           deckID,
		SlideOrder:       order,
		Content:          content,
		CreatedAtSeconds: now.Unix(),
		IsCurrent:        true,
		CreatedBy:        createdBy,
	}
	if err := tx.Create(&version).Error; err != nil {
		return "", err
	}
	return version.VersionID, nil
}

// ListVersions returns the version history of a slide, newest first.
func (s *Store) ListVersions(ctx context.Context, deckID string, order int) ([]SlideVersion, error) {
	if err := s.requireSlide(ctx, deckID, order); err != nil {
		return nil, err
	}
	var versions []SlideVersion
	if err := s.db.WithContext(ctx).
		Where("deck_id = ? AND slide_order = ?", deckID, order).
		Order("created_at_s DESC, version_id DESC").
		Find(&versions).Error; err != nil {
		s.logError("list_versions", err,
			zap.String("deck_id", deckID), zap.Int("slide_order", order))
		return nil, fmt.Errorf("%w: list versions: %v", ErrInternal, err)
	}
	return versions, nil
}

// SaveVersion materializes edited content as a new current version. When the
// content is byte-identical to the slide's current content, nothing is
// appended and the existing current version id is returned with created=false.
// Manual saves trim history beyond the configured cap; the current version is
// never evicted.
func (s *Store) SaveVersion(ctx context.Context, deckID string, order int, content string, createdBy CreatedBy) (versionID string, created bool, err error) {
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slide Slide
		lookupErr := tx.Where("deck_id = ? AND slide_order = ?", deckID, order).Take(&slide).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: slide %d of deck %s", ErrNotFound, order, deckID)
		}
		if lookupErr != nil {
			return lookupErr
		}

		if slide.HTMLContent == content && slide.CurrentVersionID != "" {
			versionID = slide.CurrentVersionID
			created = false
			return nil
		}

		versionID, err = s.appendVersion(tx, deckID, order, content, createdBy, now)
		if err != nil {
			return err
		}
		created = true

		updates := map[string]any{
			"html_content":       content,
			"current_version_id": versionID,
			"updated_at_s":       now.Unix(),
		}
		if err := tx.Model(&Slide{}).
			Where("deck_id = ? AND slide_order = ?", deckID, order).
			Updates(updates).Error; err != nil {
			return err
		}

		if createdBy == CreatedByUser {
			if err := s.trimHistory(tx, deckID, order); err != nil {
				return err
			}
		}
		return s.touchDeck(tx, deckID, now)
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) {
			return "", false, txErr
		}
		s.logError("save_version", txErr,
			zap.String("deck_id", deckID), zap.Int("slide_order", order))
		return "", false, fmt.Errorf("%w: save version: %v", ErrInternal, txErr)
	}
	return versionID, created, nil
}

// Revert flags an existing version as current and copies its content back to
// the slide. History length is unchanged: reverting is not itself a history
// event.
func (s *Store) Revert(ctx context.Context, deckID string, order int, versionID string) error {
	now := s.clock().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var slide Slide
		lookupErr := tx.Where("deck_id = ? AND slide_order = ?", deckID, order).Take(&slide).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: slide %d of deck %s", ErrNotFound, order, deckID)
		}
		if lookupErr != nil {
			return lookupErr
		}

		var target SlideVersion
		lookupErr = tx.Where("deck_id = ? AND slide_order = ? AND version_id = ?", deckID, order, versionID).
			Take(&target).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: version %s", ErrNotFound, versionID)
		}
		if lookupErr != nil {
			return lookupErr
		}

		if err := tx.Model(&SlideVersion{}).
			Where("deck_id = ? AND slide_order = ?", deckID, order).
			Update("is_current", false).Error; err != nil {
			return err
		}
		if err := tx.Model(&SlideVersion{}).
			Where("version_id = ?", target.VersionID).
			Update("is_current", true).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"html_content":       target.Content,
			"current_version_id": target.VersionID,
			"updated_at_s":       now.Unix(),
		}
		if err := tx.Model(&Slide{}).
			Where("deck_id = ? AND slide_order = ?", deckID, order).
			Updates(updates).Error; err != nil {
			return err
		}
		return s.touchDeck(tx, deckID, now)
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNotFound) {
			return txErr
		}
		s.logError("revert_version", txErr,
			zap.String("deck_id", deckID), zap.Int("slide_order", order),
			zap.String("version_id", versionID))
		return fmt.Errorf("%w: revert: %v", ErrInternal, txErr)
	}
	return nil
}

func (s *Store) trimHistory(tx *gorm.DB, deckID string, order int) error {
	var versions []SlideVersion
	if err := tx.Where("deck_id = ? AND slide_order = ?", deckID, order).
		Order("created_at_s ASC, version_id ASC").
		Find(&versions).Error; err != nil {
		return err
	}
	excess := len(versions) - s.versionCap
	for _, version := range versions {
		if excess <= 0 {
			break
		}
		if version.IsCurrent {
			continue
		}
		if err := tx.Where("version_id = ?", version.VersionID).
			Delete(&SlideVersion{}).Error; err != nil {
			return err
		}
		excess--
	}
	return nil
}

func (s *Store) touchDeck(tx *gorm.DB, deckID string, now time.Time) error {
	return tx.Model(&Deck{}).
		Where("deck_id = ?", deckID).
		Update("updated_at_s", now.Unix()).Error
}

func (s *Store) requireSlide(ctx context.Context, deckID string, order int) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Slide{}).
		Where("deck_id = ? AND slide_order = ?", deckID, order).
		Count(&count).Error; err != nil {
		s.logError("require_slide", err,
			zap.String("deck_id", deckID), zap.Int("slide_order", order))
		return fmt.Errorf("%w: slide lookup: %v", ErrInternal, err)
	}
	if count == 0 {
		if _, err := s.GetDeck(ctx, deckID); err != nil {
			return err
		}
		return fmt.Errorf("%w: slide %d of deck %s", ErrNotFound, order, deckID)
	}
	return nil
}
