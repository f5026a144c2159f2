package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/deckflow/backend/internal/deck"
)

const migrationRepairCurrentVersionFlags = "2026-05-20_repair_current_version_flags"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRepairCurrentVersionFlags, apply: repairCurrentVersionFlags},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// repairCurrentVersionFlags restores the exactly-one-current invariant for
// slides whose version rows were written before the flag was enforced
// transactionally: the newest version of each affected slide becomes current.
func repairCurrentVersionFlags(db *gorm.DB) error {
	const newestPerSlide = `
		version_id IN (
			SELECT v.version_id FROM slide_versions v
			JOIN (
				SELECT deck_id, slide_order, MAX(created_at_s) AS newest
				FROM slide_versions
				GROUP BY deck_id, slide_order
				HAVING SUM(CASE WHEN is_current THEN 1 ELSE 0 END) <> 1
			) broken
			ON v.deck_id = broken.deck_id
			AND v.slide_order = broken.slide_order
			AND v.created_at_s = broken.newest
		)`

	if err := db.Exec(`
		UPDATE slide_versions SET is_current = false
		WHERE (deck_id, slide_order) IN (
			SELECT deck_id, slide_order FROM slide_versions
			GROUP BY deck_id, slide_order
			HAVING SUM(CASE WHEN is_current THEN 1 ELSE 0 END) <> 1
		)`).Error; err != nil {
		return err
	}
	return db.Model(&deck.SlideVersion{}).
		Where(newestPerSlide).
		Update("is_current", true).Error
}

// ReconcileInterrupted marks decks left mid-generation by a crash as failed.
// Runs at every boot, before the orchestrator accepts work.
func ReconcileInterrupted(db *gorm.DB, logger *zap.Logger) error {
	now := time.Now().UTC().Unix()
	result := db.Model(&deck.Deck{}).
		Where("status IN ?", []deck.Status{
			deck.StatusStarting, deck.StatusPlanning, deck.StatusWriting, deck.StatusRendering,
		}).
		Updates(map[string]any{
			"status":       deck.StatusFailed,
			"step":         "Interrupted by restart",
			"updated_at_s": now,
		})
	if result.Error != nil {
		return result.Error
	}

	modifying := db.Model(&deck.Deck{}).
		Where("status = ?", deck.StatusModifying).
		Updates(map[string]any{
			"status":       deck.StatusCompleted,
			"step":         "Completed",
			"updated_at_s": now,
		})
	if modifying.Error != nil {
		return modifying.Error
	}

	if logger != nil && result.RowsAffected+modifying.RowsAffected > 0 {
		logger.Warn("reconciled interrupted decks",
			zap.Int64("failed", result.RowsAffected),
			zap.Int64("restored", modifying.RowsAffected))
	}
	return nil
}
