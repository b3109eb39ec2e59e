package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/joblog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// flushEvery bounds how many buffered log entries may be lost if the process dies mid-run.
const flushEvery = 100

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

// Service persists one job-log row per run. Entries appended while the run is
// active are buffered in memory and written with the final counts.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock

	mu     sync.Mutex
	active map[snowflake.ID]*domain.Run
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("joblog.service"),
		genID:  p.GenID,
		repo:   p.Repo,
		clock:  p.Clock,
		active: make(map[snowflake.ID]*domain.Run),
	}
}

func (s *Service) Start(ctx context.Context, jobName, mode string, input map[string]any) (snowflake.ID, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return 0, domain.ErrInvalidJobName
	}

	run := &domain.Run{
		ID:           s.genID.Generate(),
		JobName:      jobName,
		StripeMode:   strings.TrimSpace(mode),
		Status:       domain.RunStatusRunning,
		RanAt:        s.clock.Now(),
		Errors:       []domain.ItemError{},
		DetailedLogs: []domain.LogEntry{},
		Input:        input,
	}
	if err := s.repo.Insert(ctx, s.db, run); err != nil {
		s.log.Error("joblog.start.failed", zap.String("job", jobName), zap.Error(err))
		return 0, err
	}

	s.mu.Lock()
	s.active[run.ID] = run
	s.mu.Unlock()

	s.log.Debug("joblog.started", zap.String("job", jobName), zap.String("run_id", run.ID.String()))
	return run.ID, nil
}

func (s *Service) Append(ctx context.Context, runID snowflake.ID, entry domain.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	if entry.Severity == "" {
		entry.Severity = domain.SeverityInfo
	}

	s.mu.Lock()
	run, ok := s.active[runID]
	if !ok {
		s.mu.Unlock()
		return domain.ErrRunNotActive
	}
	run.DetailedLogs = append(run.DetailedLogs, entry)
	var snapshot *domain.Run
	if len(run.DetailedLogs)%flushEvery == 0 {
		copied := *run
		copied.DetailedLogs = append([]domain.LogEntry(nil), run.DetailedLogs...)
		snapshot = &copied
	}
	s.mu.Unlock()

	if snapshot != nil {
		if err := s.repo.Update(ctx, s.db, snapshot); err != nil {
			s.log.Warn("joblog.flush.failed", zap.String("run_id", runID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) Finish(ctx context.Context, runID snowflake.ID, summary domain.Summary) (*domain.Run, error) {
	s.mu.Lock()
	run, ok := s.active[runID]
	if ok {
		delete(s.active, runID)
	}
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrRunNotActive
	}

	completedAt := s.clock.Now()
	run.CompletedAt = &completedAt
	run.Counts = summary.Counts
	if summary.Errors != nil {
		run.Errors = summary.Errors
	}
	run.Status = summary.Status
	if run.Status == "" {
		run.Status = deriveStatus(summary.Counts)
	}

	if err := s.repo.Update(ctx, s.db, run); err != nil {
		s.log.Error("joblog.finish.failed",
			zap.String("job", run.JobName),
			zap.String("run_id", run.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("joblog.finished",
		zap.String("job", run.JobName),
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)),
		zap.Int("checked", run.Counts.Checked),
		zap.Int("updated", run.Counts.Updated),
		zap.Int("errors", run.Counts.Errors),
	)
	return run, nil
}

func (s *Service) Latest(ctx context.Context, jobName string) (*domain.Run, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return nil, domain.ErrInvalidJobName
	}
	return s.repo.Latest(ctx, s.db, jobName)
}

// ShouldAlert reports whether no alert for key was delivered within the
// cooldown. Runs that finished failed were never delivered and do not count.
// An empty key matches every run of jobName.
func (s *Service) ShouldAlert(ctx context.Context, jobName, key string, cooldown time.Duration) (bool, error) {
	jobName = strings.TrimSpace(jobName)
	if jobName == "" {
		return false, domain.ErrInvalidJobName
	}
	runs, err := s.repo.ListSince(ctx, s.db, jobName, s.clock.Now().Add(-cooldown))
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if run.Status == domain.RunStatusFailed {
			continue
		}
		if key != "" {
			if runKey, _ := run.Input[domain.InputAlertKey].(string); runKey != key {
				continue
			}
		}
		return false, nil
	}
	return true, nil
}

func deriveStatus(counts domain.Counts) domain.RunStatus {
	switch {
	case counts.Errors == 0:
		return domain.RunStatusSuccess
	case counts.Checked > 0 && counts.Errors >= counts.Checked:
		return domain.RunStatusFailed
	default:
		return domain.RunStatusPartial
	}
}
