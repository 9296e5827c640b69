package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tranchelabs/vault-api/internal/pricing"
	"github.com/tranchelabs/vault-api/internal/vault"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "vault.db"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&vault.LoanRecord{},
		&vault.Event{},
		&vault.IdempotencyRecord{},
		&pricing.CollateralParameterRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// NewInMemoryDatabase returns a sqlite database that lives for the process,
// used by tests and the simulation harness.
func NewInMemoryDatabase() (*gorm.DB, error) {
	return NewDatabase("file::memory:?cache=shared")
}
