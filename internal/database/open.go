package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/ballots"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/certification"
	"github.com/MarcoPoloResearchLab/ballotbox/backend/internal/elections"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Settings selects and addresses the backing store.
type Settings struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes a database connection and performs schema migrations.
func Open(settings Settings, logger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		if settings.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(settings.Path)
	case DriverPostgres:
		if settings.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(settings.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", settings.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver))
	}

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	models := make([]any, 0, 16)
	models = append(models, elections.Models()...)
	models = append(models, ballots.Models()...)
	models = append(models, certification.Models()...)
	models = append(models, &migrationRecord{})
	return db.AutoMigrate(models...)
}
