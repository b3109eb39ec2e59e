package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/joblog/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type runRow struct {
	ID             snowflake.ID
	JobName        string
	StripeMode     string
	Status         string
	RanAt          time.Time
	CompletedAt    *time.Time
	CheckedCount   int
	UpdatedCount   int
	SkippedCount   int
	CancelledCount int
	ErrorCount     int
	Errors         datatypes.JSON
	DetailedLogs   datatypes.JSON
	Input          datatypes.JSON
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, run *domain.Run) error {
	row, err := toRow(run)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_job_logs (
			id, job_name, stripe_mode, status, ran_at, completed_at,
			checked_count, updated_count, skipped_count, cancelled_count, error_count,
			errors, detailed_logs, input
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID.Int64(),
		row.JobName,
		row.StripeMode,
		row.Status,
		row.RanAt,
		row.CompletedAt,
		row.CheckedCount,
		row.UpdatedCount,
		row.SkippedCount,
		row.CancelledCount,
		row.ErrorCount,
		row.Errors,
		row.DetailedLogs,
		row.Input,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, run *domain.Run) error {
	row, err := toRow(run)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE reconciliation_job_logs SET
			status = ?, completed_at = ?,
			checked_count = ?, updated_count = ?, skipped_count = ?, cancelled_count = ?, error_count = ?,
			errors = ?, detailed_logs = ?
		WHERE id = ?`,
		row.Status,
		row.CompletedAt,
		row.CheckedCount,
		row.UpdatedCount,
		row.SkippedCount,
		row.CancelledCount,
		row.ErrorCount,
		row.Errors,
		row.DetailedLogs,
		row.ID.Int64(),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

func (r *repo) Latest(ctx context.Context, db *gorm.DB, jobName string) (*domain.Run, error) {
	var rows []runRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, job_name, stripe_mode, status, ran_at, completed_at,
			checked_count, updated_count, skipped_count, cancelled_count, error_count,
			errors, detailed_logs, input
		FROM reconciliation_job_logs
		WHERE job_name = ?
		ORDER BY ran_at DESC, id DESC
		LIMIT 1`,
		jobName,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrRunNotFound
	}
	return fromRow(rows[0])
}

func (r *repo) ListSince(ctx context.Context, db *gorm.DB, jobName string, since time.Time) ([]*domain.Run, error) {
	var rows []runRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, job_name, stripe_mode, status, ran_at, completed_at,
			checked_count, updated_count, skipped_count, cancelled_count, error_count,
			errors, detailed_logs, input
		FROM reconciliation_job_logs
		WHERE job_name = ? AND ran_at > ?
		ORDER BY ran_at DESC, id DESC`,
		jobName, since,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	runs := make([]*domain.Run, 0, len(rows))
	for _, row := range rows {
		run, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func toRow(run *domain.Run) (runRow, error) {
	if run == nil || run.ID == 0 {
		return runRow{}, domain.ErrRunNotFound
	}
	errs, err := marshal(run.Errors, "[]")
	if err != nil {
		return runRow{}, fmt.Errorf("encode errors: %w", err)
	}
	logs, err := marshal(run.DetailedLogs, "[]")
	if err != nil {
		return runRow{}, fmt.Errorf("encode detailed logs: %w", err)
	}
	input, err := marshal(run.Input, "{}")
	if err != nil {
		return runRow{}, fmt.Errorf("encode input: %w", err)
	}
	return runRow{
		ID:             run.ID,
		JobName:        run.JobName,
		StripeMode:     run.StripeMode,
		Status:         string(run.Status),
		RanAt:          run.RanAt,
		CompletedAt:    run.CompletedAt,
		CheckedCount:   run.Counts.Checked,
		UpdatedCount:   run.Counts.Updated,
		SkippedCount:   run.Counts.Skipped,
		CancelledCount: run.Counts.Cancelled,
		ErrorCount:     run.Counts.Errors,
		Errors:         errs,
		DetailedLogs:   logs,
		Input:          input,
	}, nil
}

func fromRow(row runRow) (*domain.Run, error) {
	run := &domain.Run{
		ID:          row.ID,
		JobName:     row.JobName,
		StripeMode:  row.StripeMode,
		Status:      domain.RunStatus(row.Status),
		RanAt:       row.RanAt,
		CompletedAt: row.CompletedAt,
		Counts: domain.Counts{
			Checked:   row.CheckedCount,
			Updated:   row.UpdatedCount,
			Skipped:   row.SkippedCount,
			Cancelled: row.CancelledCount,
			Errors:    row.ErrorCount,
		},
		Errors:       []domain.ItemError{},
		DetailedLogs: []domain.LogEntry{},
	}
	if err := unmarshal(row.Errors, &run.Errors); err != nil {
		return nil, fmt.Errorf("decode errors: %w", err)
	}
	if err := unmarshal(row.DetailedLogs, &run.DetailedLogs); err != nil {
		return nil, fmt.Errorf("decode detailed logs: %w", err)
	}
	if err := unmarshal(row.Input, &run.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return run, nil
}

func marshal(v any, empty string) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		raw = []byte(empty)
	}
	return datatypes.JSON(raw), nil
}

func unmarshal(raw datatypes.JSON, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
