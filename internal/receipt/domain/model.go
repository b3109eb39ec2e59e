package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"gorm.io/gorm"
)

// Receipt is the tax receipt issued for one donation or sponsorship. At most
// one exists per record. SentAt is stamped when a send claims the receipt and
// cleared again if the email fails.
type Receipt struct {
	ID         snowflake.ID        `json:"id,string"`
	RecordKind donationdomain.Kind `json:"recordKind"`
	RecordID   snowflake.ID        `json:"recordId,string"`
	Number     string              `json:"number"`
	Email      string              `json:"email"`
	Name       string              `json:"name"`
	Amount     decimal.Decimal     `json:"amount"`
	Currency   string              `json:"currency"`
	IssuedAt   time.Time           `json:"issuedAt"`
	SentAt     *time.Time          `json:"sentAt,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
}

// NumberFor derives a stable receipt number from the record, so retries of the
// same record always collide on the unique constraint.
func NumberFor(rec donationdomain.Record, issued time.Time) string {
	code := "D"
	if rec.Kind == donationdomain.KindSponsorship {
		code = "S"
	}
	return fmt.Sprintf("RCT-%s-%s%s", issued.UTC().Format("20060102"), code, rec.ID.String())
}

type Repository interface {
	InsertIfAbsent(ctx context.Context, db *gorm.DB, receipt *Receipt) (bool, error)
	FindByRecord(ctx context.Context, db *gorm.DB, kind donationdomain.Kind, recordID snowflake.ID) (*Receipt, error)
	// MarkSent stamps sent_at only if it is still empty.
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// UnmarkSent clears a sent_at stamp written at exactly at.
	UnmarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// ListRecordsNeedingReceipt returns completed or active records that have no
	// receipt or whose receipt was never sent.
	ListRecordsNeedingReceipt(ctx context.Context, db *gorm.DB, kind donationdomain.Kind, mode donationdomain.Mode, limit int) ([]donationdomain.Record, error)
}

var (
	ErrReceiptNotFound = errors.New("receipt_not_found")
	ErrNoRecipient     = errors.New("receipt_no_recipient")
)
