package vault

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Database persists the vault's audit trail: loan records, events, and
// idempotency keys. The in-memory ledger remains authoritative; these tables
// exist for the API surface and operational forensics.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveLoan upserts the loan record keyed by note ID.
func (d *Database) SaveLoan(record *LoanRecord) error {
	tx := d.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}

	var existing LoanRecord
	err := tx.Where("note_id = ?", record.NoteID).First(&existing).Error
	switch {
	case err == nil:
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		if err := tx.Save(record).Error; err != nil {
			tx.Rollback()
			return err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := tx.Create(record).Error; err != nil {
			tx.Rollback()
			return err
		}
	default:
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetLoan fetches a loan record by note ID.
func (d *Database) GetLoan(noteID string) (*LoanRecord, error) {
	var record LoanRecord
	if err := d.db.Where("note_id = ?", noteID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListLoans returns loan records, newest first.
func (d *Database) ListLoans(limit int) ([]LoanRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []LoanRecord
	if err := d.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CreateEvent appends an audit event.
func (d *Database) CreateEvent(event *Event) error {
	return d.db.Create(event).Error
}

// ListEvents returns audit events, newest first, optionally filtered by note.
func (d *Database) ListEvents(noteID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := d.db.Order("created_at DESC").Limit(limit)
	if noteID != "" {
		query = query.Where("note_id = ?", noteID)
	}
	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// GetIdempotencyRecord looks up a prior result for a client key. Expired
// records are treated as absent.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.Where("idempotency_key = ?", key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().After(record.ExpiresAt) {
		return nil, nil
	}
	return &record, nil
}

// CreateIdempotencyRecord stores the result pointer for a client key.
func (d *Database) CreateIdempotencyRecord(key, resourceID, resourceType string, ttl time.Duration) error {
	record := &IdempotencyRecord{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		ExpiresAt:      time.Now().Add(ttl),
	}
	return d.db.Create(record).Error
}
