package database

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/backstage/services/registry/config"
	"example.com/backstage/services/registry/internal/models"
)

// Connect opens the write and read-only database connections, runs
// migrations on the write side and configures both connection pools.
// TranslateError is required so unique-index violations surface as
// gorm.ErrDuplicatedKey on the registration path.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, *gorm.DB, error) {
	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		readOnlyDB, err = gorm.Open(postgres.Open(cfg.ReadOnlyDSN), gormCfg)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
		}
	}

	// Migrate only through the write connection.
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	if err := configurePool(db, cfg.MaxIdleConns, cfg.MaxOpenConns, cfg.ConnMaxLifetime); err != nil {
		return nil, nil, errors.Wrap(err, "failed to configure write pool")
	}
	if readOnlyDB != db {
		// Read side gets a larger pool: discovery traffic dominates.
		if err := configurePool(readOnlyDB, cfg.MaxIdleConns*2, cfg.MaxOpenConns*2, cfg.ConnMaxLifetime); err != nil {
			return nil, nil, errors.Wrap(err, "failed to configure read-only pool")
		}
	}

	return db, readOnlyDB, nil
}

func configurePool(db *gorm.DB, maxIdle, maxOpen int, maxLifetime time.Duration) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying DB connection")
	}
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(maxLifetime)
	return nil
}

// Close closes both connections. The read handle may alias the write
// handle when no replica is configured.
func Close(db, readOnlyDB *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	if readOnlyDB != nil && readOnlyDB != db {
		if roDB, roErr := readOnlyDB.DB(); roErr == nil {
			_ = roDB.Close()
		}
	}
	return sqlDB.Close()
}
