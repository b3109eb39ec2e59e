package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads and conditionally mutates donation and sponsorship rows.
// Every mutation is guarded so overlapping runs degrade to no-ops.
type Repository interface {
	// ListCandidates returns records in the given statuses, never-checked
	// first and then least recently checked, leaving out the ids in exclude.
	ListCandidates(ctx context.Context, db *gorm.DB, kind Kind, mode Mode, statuses []Status, exclude []snowflake.ID, limit int) ([]Record, error)
	// MarkChecked stamps last_checked_at so the record rotates to the back of
	// the candidate queue.
	MarkChecked(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID, at time.Time) error
	ListWithExternalIDs(ctx context.Context, db *gorm.DB, kind Kind, mode Mode) ([]Record, error)
	FindByID(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID) (*Record, error)
	// FindByExternalID returns the first record carrying any of ids, or nil.
	FindByExternalID(ctx context.Context, db *gorm.DB, kind Kind, mode Mode, ids []ExternalID) (*Record, error)
	UpdateStatusIf(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID, from, to Status, review *Review, now time.Time) (bool, error)
	// InsertIfAbsent inserts unless a row with the same charge id exists.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	DeleteDuplicate(ctx context.Context, db *gorm.DB, kind Kind, id snowflake.ID) (bool, error)
	PayerEmail(ctx context.Context, db *gorm.DB, payerID string) (string, error)
}
