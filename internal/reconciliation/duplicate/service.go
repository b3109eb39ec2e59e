package duplicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	obscontext "github.com/smallbiznis/donorrecon/internal/observability/context"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Repo    donationdomain.Repository
	JobLog  joblogdomain.Service
	Holder  *config.ReconcileConfigHolder
	Clock   clock.Clock
	Metrics *metrics.JobMetrics `optional:"true"`
	Log     *zap.Logger
}

// Service scans both record tables for duplicate groups and applies operator
// decisions on them. Scanning never writes.
type Service struct {
	db      *gorm.DB
	repo    donationdomain.Repository
	joblog  joblogdomain.Service
	holder  *config.ReconcileConfigHolder
	clock   clock.Clock
	metrics *metrics.JobMetrics
	log     *zap.Logger
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		repo:    p.Repo,
		joblog:  p.JobLog,
		holder:  p.Holder,
		clock:   p.Clock,
		metrics: p.Metrics,
		log:     p.Log.Named("reconciliation.duplicate"),
	}
}

type Report struct {
	Mode    donationdomain.Mode `json:"mode"`
	Scanned int                 `json:"scanned"`
	Groups  []Group             `json:"groups"`
	Counts  map[Confidence]int  `json:"counts"`
}

type MarkRequest struct {
	Mode donationdomain.Mode `json:"mode"`

	// MinConfidence defaults to the configured duplicates.minConfidence.
	MinConfidence Confidence `json:"minConfidence,omitempty"`
	DryRun        bool       `json:"dryRun"`
}

type MarkedRecord struct {
	Record         string                `json:"record"`
	Group          string                `json:"group"`
	Keeper         string                `json:"keeper"`
	Confidence     Confidence            `json:"confidence"`
	PreviousStatus donationdomain.Status `json:"previousStatus"`
	Marked         bool                  `json:"marked"`
	Reason         string                `json:"reason,omitempty"`
	Error          string                `json:"error,omitempty"`
}

type MarkResult struct {
	RunID   snowflake.ID   `json:"runId,string"`
	DryRun  bool           `json:"dryRun"`
	Groups  int            `json:"groups"`
	Marked  int            `json:"marked"`
	Skipped int            `json:"skipped"`
	Errors  int            `json:"errors"`
	Items   []MarkedRecord `json:"items"`
}

func (s *Service) Scan(ctx context.Context, mode donationdomain.Mode) (*Report, error) {
	records := make([]donationdomain.Record, 0)
	for _, kind := range donationdomain.Kinds {
		rows, err := s.repo.ListWithExternalIDs(ctx, s.db, kind, mode)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		records = append(records, rows...)
	}

	groups := Detect(records, ThresholdsFrom(s.holder.Get().Duplicates))
	report := &Report{
		Mode:    mode,
		Scanned: len(records),
		Groups:  groups,
		Counts: map[Confidence]int{
			ConfidenceHigh:   0,
			ConfidenceMedium: 0,
			ConfidenceLow:    0,
		},
	}
	for _, g := range groups {
		report.Counts[g.Confidence]++
	}

	gauge := make(map[string]int, len(report.Counts))
	for c, n := range report.Counts {
		gauge[string(c)] = n
	}
	s.metrics.SetDuplicateGroups(gauge)

	s.log.Info("duplicate.scan.completed",
		zap.String("mode", string(mode)),
		zap.Int("scanned", report.Scanned),
		zap.Int("groups", len(groups)),
		zap.Int("high", report.Counts[ConfidenceHigh]),
	)
	return report, nil
}

// Mark sets status=duplicate on every non-keeper member of the groups at or
// above the requested confidence. Each write is conditional on the status the
// scan observed, so a concurrent change turns the write into a skip.
func (s *Service) Mark(ctx context.Context, req MarkRequest) (*MarkResult, error) {
	raw := string(req.MinConfidence)
	if raw == "" {
		raw = s.holder.Get().Duplicates.MinConfidence
	}
	threshold, err := ParseConfidence(raw)
	if err != nil {
		return nil, err
	}

	runID, err := s.joblog.Start(ctx, joblogdomain.JobDuplicateMark, string(req.Mode), map[string]any{
		"minConfidence": string(threshold),
		"dryRun":        req.DryRun,
	})
	if err != nil {
		return nil, err
	}
	ctx = obscontext.WithRunID(ctx, runID.String())

	report, err := s.Scan(ctx, req.Mode)
	if err != nil {
		s.finishFailed(ctx, runID, err)
		return nil, err
	}

	result := &MarkResult{RunID: runID, DryRun: req.DryRun, Items: []MarkedRecord{}}
	var itemErrors []joblogdomain.ItemError
	marked := make(map[string]struct{})
	now := s.clock.Now()

	for _, g := range report.Groups {
		if !g.Confidence.AtLeast(threshold) {
			continue
		}
		result.Groups++

		keeper, ok := keeperExcluding(g, marked)
		if !ok {
			continue
		}
		for _, rec := range g.Members() {
			if rec.Kind == keeper.Kind && rec.ID == keeper.ID {
				continue
			}
			if _, done := marked[rec.Ref()]; done {
				continue
			}

			item := MarkedRecord{
				Record:         rec.Ref(),
				Group:          g.Key.Key(),
				Keeper:         keeper.Ref(),
				Confidence:     g.Confidence,
				PreviousStatus: rec.Status,
			}
			switch {
			case !donationdomain.CanTransition(rec.Status, donationdomain.StatusDuplicate):
				item.Reason = "already " + string(rec.Status)
			case req.DryRun:
				item.Reason = "dry run"
			default:
				review := &donationdomain.Review{Reason: fmt.Sprintf("duplicate of %s via %s", keeper.Ref(), g.Key.Key())}
				changed, err := s.repo.UpdateStatusIf(ctx, s.db, rec.Kind, rec.ID, rec.Status, donationdomain.StatusDuplicate, review, now)
				switch {
				case err != nil:
					item.Error = err.Error()
					itemErrors = append(itemErrors, joblogdomain.ItemError{RecordID: rec.Ref(), Kind: string(rec.Kind), Message: err.Error()})
					s.log.Warn("duplicate.mark.failed", zap.String("record", rec.Ref()), zap.Error(err))
				case !changed:
					item.Reason = "status changed since scan"
				default:
					item.Marked = true
					marked[rec.Ref()] = struct{}{}
				}
			}

			switch {
			case item.Error != "":
				result.Errors++
			case item.Marked:
				result.Marked++
			default:
				result.Skipped++
			}
			result.Items = append(result.Items, item)
			if err := s.joblog.Append(ctx, runID, markLogEntry(item)); err != nil {
				s.log.Warn("duplicate.joblog.append_failed", zap.String("record", item.Record), zap.Error(err))
			}
		}
	}

	if _, err := s.joblog.Finish(ctx, runID, joblogdomain.Summary{
		Counts: joblogdomain.Counts{
			Checked: len(result.Items),
			Updated: result.Marked,
			Skipped: result.Skipped,
			Errors:  result.Errors,
		},
		Errors: itemErrors,
	}); err != nil {
		s.log.Warn("duplicate.joblog.finish_failed", zap.Error(err))
	}

	s.log.Info("duplicate.mark.completed",
		zap.String("run_id", runID.String()),
		zap.Bool("dry_run", req.DryRun),
		zap.Int("groups", result.Groups),
		zap.Int("marked", result.Marked),
		zap.Int("errors", result.Errors),
	)
	return result, nil
}

// Delete removes a record that has already been marked duplicate.
func (s *Service) Delete(ctx context.Context, kind donationdomain.Kind, id snowflake.ID) error {
	rec, err := s.repo.FindByID(ctx, s.db, kind, id)
	if err != nil {
		return err
	}
	if rec.Status != donationdomain.StatusDuplicate {
		return donationdomain.ErrNotDuplicate
	}

	deleted, err := s.repo.DeleteDuplicate(ctx, s.db, kind, id)
	if err != nil {
		return err
	}
	if !deleted {
		return donationdomain.ErrNotDuplicate
	}

	s.log.Info("duplicate.record.deleted",
		zap.String("record", rec.Ref()),
		zap.String("review_reason", rec.ReviewReason),
	)
	return nil
}

func (s *Service) finishFailed(ctx context.Context, runID snowflake.ID, cause error) {
	_, err := s.joblog.Finish(ctx, runID, joblogdomain.Summary{
		Status: joblogdomain.RunStatusFailed,
		Errors: []joblogdomain.ItemError{{Message: cause.Error()}},
	})
	if err != nil && !errors.Is(err, joblogdomain.ErrRunNotActive) {
		s.log.Warn("duplicate.joblog.finish_failed", zap.Error(err))
	}
}

func keeperExcluding(g Group, marked map[string]struct{}) (donationdomain.Record, bool) {
	members := g.Members()
	sortByCreated(members)
	for _, rec := range members {
		if _, done := marked[rec.Ref()]; done {
			continue
		}
		if rec.Status == donationdomain.StatusCancelled || rec.Status == donationdomain.StatusDuplicate {
			continue
		}
		return rec, true
	}
	for _, rec := range members {
		if _, done := marked[rec.Ref()]; !done {
			return rec, true
		}
	}
	return donationdomain.Record{}, false
}

func markLogEntry(item MarkedRecord) joblogdomain.LogEntry {
	entry := joblogdomain.LogEntry{RecordID: item.Record, Severity: joblogdomain.SeverityInfo}
	switch {
	case item.Error != "":
		entry.Severity = joblogdomain.SeverityError
		entry.Message = item.Error
	case item.Marked:
		entry.Message = "marked duplicate of " + item.Keeper
	default:
		entry.Severity = joblogdomain.SeverityWarn
		entry.Message = "skipped: " + item.Reason
	}
	return entry
}
