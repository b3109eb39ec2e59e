package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/donation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recordColumns = `id, email, name, payer_id, customer_id, amount, currency, frequency, status,
	checkout_session_id, subscription_id, payment_intent_id, charge_id, stripe_mode, source,
	needs_review, review_reason, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListCandidates(ctx context.Context, db *gorm.DB, kind domain.Kind, mode domain.Mode, statuses []domain.Status, exclude []snowflake.ID, limit int) ([]domain.Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, domain.ErrInvalidStatus
	}
	if limit <= 0 {
		return []domain.Record{}, nil
	}

	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	where := "stripe_mode = ? AND status IN ?"
	args := []any{string(mode), values}
	if len(exclude) > 0 {
		ids := make([]int64, 0, len(exclude))
		for _, id := range exclude {
			ids = append(ids, int64(id))
		}
		where += " AND id NOT IN ?"
		args = append(args, ids)
	}
	args = append(args, limit)

	var rows []domain.Record
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE %s
			ORDER BY (last_checked_at IS NOT NULL) ASC, last_checked_at ASC, id ASC
			LIMIT ?`, recordColumns, table, where),
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return withKind(rows, kind), nil
}

func (r *repo) MarkChecked(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID, at time.Time) error {
	table, err := kind.Table()
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET last_checked_at = ? WHERE id = ?`, table),
		at, int64(id),
	).Error
}

func (r *repo) ListWithExternalIDs(ctx context.Context, db *gorm.DB, kind domain.Kind, mode domain.Mode) ([]domain.Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}

	var rows []domain.Record
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE stripe_mode = ?
			AND (checkout_session_id IS NOT NULL OR subscription_id IS NOT NULL
				OR payment_intent_id IS NOT NULL OR charge_id IS NOT NULL)
			ORDER BY created_at ASC, id ASC`, recordColumns, table),
		string(mode),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return withKind(rows, kind), nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID) (*domain.Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}

	var rows []domain.Record
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ? LIMIT 1`, recordColumns, table),
		int64(id),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}
	rec := rows[0]
	rec.Kind = kind
	return &rec, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, kind domain.Kind, mode domain.Mode, ids []domain.ExternalID) (*domain.Record, error) {
	table, err := kind.Table()
	if err != nil {
		return nil, err
	}

	conditions := make([]string, 0, len(ids))
	args := []any{string(mode)}
	for _, id := range ids {
		column, ok := externalColumn(id.Type)
		if !ok || strings.TrimSpace(id.Value) == "" {
			continue
		}
		conditions = append(conditions, column+" = ?")
		args = append(args, strings.TrimSpace(id.Value))
	}
	if len(conditions) == 0 {
		return nil, nil
	}

	var rows []domain.Record
	err = db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM %s
			WHERE stripe_mode = ? AND (%s)
			ORDER BY id ASC
			LIMIT 1`, recordColumns, table, strings.Join(conditions, " OR ")),
		args...,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	rec := rows[0]
	rec.Kind = kind
	return &rec, nil
}

func (r *repo) UpdateStatusIf(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID, from, to domain.Status, review *domain.Review, now time.Time) (bool, error) {
	table, err := kind.Table()
	if err != nil {
		return false, err
	}
	if !to.Valid() || !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatus, from, to)
	}

	sets := "status = ?, updated_at = ?"
	args := []any{string(to), now}
	if review != nil {
		sets += ", needs_review = ?, review_reason = ?"
		args = append(args, true, review.Reason)
	}
	args = append(args, int64(id), string(from))

	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND status = ?`, table, sets),
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	if record == nil || record.ID == 0 {
		return false, domain.ErrInvalidRecord
	}
	table, err := record.Kind.Table()
	if err != nil {
		return false, err
	}

	res := db.WithContext(ctx).
		Table(table).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "charge_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) DeleteDuplicate(ctx context.Context, db *gorm.DB, kind domain.Kind, id snowflake.ID) (bool, error) {
	table, err := kind.Table()
	if err != nil {
		return false, err
	}

	res := db.WithContext(ctx).Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND status = ?`, table),
		int64(id), string(domain.StatusDuplicate),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) PayerEmail(ctx context.Context, db *gorm.DB, payerID string) (string, error) {
	payerID = strings.TrimSpace(payerID)
	if payerID == "" {
		return "", domain.ErrPayerNotFound
	}

	var emails []string
	err := db.WithContext(ctx).Raw(
		`SELECT email FROM profiles WHERE id = ? LIMIT 1`,
		payerID,
	).Scan(&emails).Error
	if err != nil {
		return "", err
	}
	if len(emails) == 0 || strings.TrimSpace(emails[0]) == "" {
		return "", domain.ErrPayerNotFound
	}
	return strings.TrimSpace(emails[0]), nil
}

func externalColumn(t domain.ExternalIDType) (string, bool) {
	switch t {
	case domain.ExternalCheckoutSession, domain.ExternalSubscription, domain.ExternalPaymentIntent, domain.ExternalCharge:
		return string(t), true
	default:
		return "", false
	}
}

func withKind(rows []domain.Record, kind domain.Kind) []domain.Record {
	for i := range rows {
		rows[i].Kind = kind
	}
	if rows == nil {
		return []domain.Record{}
	}
	return rows
}
