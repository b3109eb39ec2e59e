package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/receipt/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type receiptRow struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	RecordKind string
	RecordID   snowflake.ID
	Number     string
	Email      string
	Name       string
	Amount     decimal.Decimal
	Currency   string
	IssuedAt   time.Time
	SentAt     *time.Time
	CreatedAt  time.Time
}

func (receiptRow) TableName() string { return "receipts" }

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, receipt *domain.Receipt) (bool, error) {
	if receipt == nil || receipt.ID == 0 {
		return false, domain.ErrReceiptNotFound
	}
	row := receiptRow{
		ID:         receipt.ID,
		RecordKind: string(receipt.RecordKind),
		RecordID:   receipt.RecordID,
		Number:     receipt.Number,
		Email:      receipt.Email,
		Name:       receipt.Name,
		Amount:     receipt.Amount,
		Currency:   receipt.Currency,
		IssuedAt:   receipt.IssuedAt,
		SentAt:     receipt.SentAt,
		CreatedAt:  receipt.CreatedAt,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "record_kind"}, {Name: "record_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByRecord(ctx context.Context, db *gorm.DB, kind donationdomain.Kind, recordID snowflake.ID) (*domain.Receipt, error) {
	var rows []receiptRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, record_kind, record_id, number, email, name, amount, currency, issued_at, sent_at, created_at
		FROM receipts
		WHERE record_kind = ? AND record_id = ?
		LIMIT 1`,
		string(kind), int64(recordID),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrReceiptNotFound
	}
	return toDomain(rows[0]), nil
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE receipts SET sent_at = ? WHERE id = ? AND sent_at IS NULL`,
		at, int64(id),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UnmarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE receipts SET sent_at = NULL WHERE id = ? AND sent_at = ?`,
		int64(id), at,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListRecordsNeedingReceipt(ctx context.Context, db *gorm.DB, kind donationdomain.Kind, mode donationdomain.Mode, limit int) ([]donationdomain.Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []donationdomain.Record{}, nil
	}

	var rows []donationdomain.Record
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT r.id, r.email, r.name, r.payer_id, r.customer_id, r.amount, r.currency,
				r.frequency, r.status, r.checkout_session_id, r.subscription_id, r.payment_intent_id,
				r.charge_id, r.stripe_mode, r.source, r.needs_review, r.review_reason, r.created_at, r.updated_at
			FROM %s r
			LEFT JOIN receipts rc ON rc.record_kind = ? AND rc.record_id = r.id
			WHERE r.stripe_mode = ?
				AND r.status IN ?
				AND r.email <> ''
				AND (rc.id IS NULL OR rc.sent_at IS NULL)
			ORDER BY r.created_at ASC, r.id ASC
			LIMIT ?`, table),
		string(kind),
		string(mode),
		[]string{string(donationdomain.StatusCompleted), string(donationdomain.StatusActive)},
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Kind = kind
	}
	if rows == nil {
		rows = []donationdomain.Record{}
	}
	return rows, nil
}

func toDomain(row receiptRow) *domain.Receipt {
	return &domain.Receipt{
		ID:         row.ID,
		RecordKind: donationdomain.Kind(row.RecordKind),
		RecordID:   row.RecordID,
		Number:     row.Number,
		Email:      row.Email,
		Name:       row.Name,
		Amount:     row.Amount,
		Currency:   row.Currency,
		IssuedAt:   row.IssuedAt,
		SentAt:     row.SentAt,
		CreatedAt:  row.CreatedAt,
	}
}
