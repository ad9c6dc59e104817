package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gametracker/backend/internal/games"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationResetIndexForFoldMarkers = "2026-10-05_reset_index_for_fold_markers"

type migrationRecord struct {
	Name            string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtMillis int64  `gorm:"column:applied_at_ms;not null"`
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
		{name: migrationResetIndexForFoldMarkers, apply: resetIndexForFoldMarkers},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().UnixMilli()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtMillis: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// resetIndexForFoldMarkers discards an index built before batches carried a folded marker,
// so the next fold pass rebuilds it from the raw log exactly once.
func resetIndexForFoldMarkers(db *gorm.DB) error {
	if err := db.Where("1 = 1").Delete(&games.Observation{}).Error; err != nil {
		return err
	}
	if err := db.Where("1 = 1").Delete(&games.UniqueGame{}).Error; err != nil {
		return err
	}
	return db.Model(&games.RawBatch{}).
		Where("folded_at_ms IS NOT NULL").
		Update("folded_at_ms", nil).Error
}
