package postgres

import (
	"errors"
	"fmt"

	"github.com/dom/ranked-matchmaking/internal/domain"
	"github.com/dom/ranked-matchmaking/internal/repository"
	"github.com/rotisserie/eris"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Models lists every table owned by this service
func Models() []any {
	return []any{
		&domain.PlayerRating{},
		&domain.TierDefinition{},
		&domain.SmurfReview{},
		&domain.PlacementRecord{},
		&domain.Match{},
		&domain.QualitySample{},
	}
}

// NewConnection opens the database and migrates the schema. logLevel follows
// the application log level.
func NewConnection(databaseURL, logLevel string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(gormLogLevel(logLevel)),
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to database")
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, eris.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch level {
	case "trace", "debug":
		return logger.Info
	case "info", "warn":
		return logger.Warn
	case "error":
		return logger.Error
	default:
		return logger.Silent
	}
}

func NewRepositories(db *gorm.DB) *repository.Repositories {
	return &repository.Repositories{
		Ratings:        NewRatingRepository(db),
		Tiers:          NewTierRepository(db),
		SmurfReviews:   NewSmurfReviewRepository(db),
		Placements:     NewPlacementRepository(db),
		Matches:        NewMatchRepository(db),
		QualitySamples: NewQualitySampleRepository(db),
	}
}

// dbError maps driver errors onto the domain taxonomy
func dbError(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.NotFoundError{Resource: resource, ID: id}
	}
	return &domain.InfrastructureError{Operation: op, Err: eris.Wrap(err, fmt.Sprintf("failed to %s", op))}
}
