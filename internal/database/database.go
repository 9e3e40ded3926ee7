package database

import (
	"os"

	"github.com/predictx/predictx-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase initializes and returns a new GORM DB connection.
// The path defaults to exchange.db and can be overridden via DATABASE_PATH.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "exchange.db"
	}
	return Open(path)
}

// Open opens the store at the given sqlite path and migrates the schema.
// Tests pass a path under t.TempDir().
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.User{},
		&types.Topic{},
		&types.UserBalance{},
		&types.Order{},
		&types.Trade{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
