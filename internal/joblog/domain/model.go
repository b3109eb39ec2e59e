package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Job names written by the engine.
const (
	JobReconcileDonations    = "reconcile_donations"
	JobReconcileSponsorships = "reconcile_sponsorships"
	JobRecoverMissing        = "recover_missing"
	JobDuplicateMark         = "duplicate_mark"
	JobHealthAlert           = "health_alert"
)

// InputAlertKey is the run input field identifying what an alert run was about.
const InputAlertKey = "alert_key"

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RecordID  string    `json:"recordId,omitempty"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

// ItemError is a per-record failure. Message is kept in full for support escalation.
type ItemError struct {
	RecordID string `json:"recordId"`
	Kind     string `json:"kind,omitempty"`
	Message  string `json:"message"`
}

type Counts struct {
	Checked   int `json:"checked"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// Summary finalizes a run. An empty Status is derived from the counts.
type Summary struct {
	Counts Counts
	Errors []ItemError
	Status RunStatus
}

type Run struct {
	ID           snowflake.ID   `json:"id,string"`
	JobName      string         `json:"jobName"`
	StripeMode   string         `json:"stripeMode,omitempty"`
	Status       RunStatus      `json:"status"`
	RanAt        time.Time      `json:"ranAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Counts       Counts         `json:"counts"`
	Errors       []ItemError    `json:"errors"`
	DetailedLogs []LogEntry     `json:"detailedLogs"`
	Input        map[string]any `json:"input,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *Run) error
	Update(ctx context.Context, db *gorm.DB, run *Run) error
	Latest(ctx context.Context, db *gorm.DB, jobName string) (*Run, error)
	// ListSince returns runs of jobName started after since, newest first.
	ListSince(ctx context.Context, db *gorm.DB, jobName string, since time.Time) ([]*Run, error)
}

type Service interface {
	Start(ctx context.Context, jobName, mode string, input map[string]any) (snowflake.ID, error)
	Append(ctx context.Context, runID snowflake.ID, entry LogEntry) error
	Finish(ctx context.Context, runID snowflake.ID, summary Summary) (*Run, error)
	Latest(ctx context.Context, jobName string) (*Run, error)
	ShouldAlert(ctx context.Context, jobName, key string, cooldown time.Duration) (bool, error)
}

var (
	ErrInvalidJobName = errors.New("invalid_job_name")
	ErrRunNotFound    = errors.New("job_run_not_found")
	ErrRunNotActive   = errors.New("job_run_not_active")
)
