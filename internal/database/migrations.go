package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationClearNonPositiveSeats = "2026-09-14_clear_non_positive_position_seats"

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
		{name: migrationClearNonPositiveSeats, apply: clearNonPositiveSeats},
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

// clearNonPositiveSeats nulls seat counts that older imports stored as 0 or
// negative; an unset seat count means one seat.
func clearNonPositiveSeats(db *gorm.DB) error {
	return db.Model(&elections.Position{}).
		Where("seats <= 0").
		Update("seats", nil).Error
}
