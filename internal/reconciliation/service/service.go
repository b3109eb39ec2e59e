package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	obscontext "github.com/smallbiznis/donorrecon/internal/observability/context"
	obslogger "github.com/smallbiznis/donorrecon/internal/observability/logger"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/matcher"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/status"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// candidateStatuses are the only statuses an external signal can still move.
var candidateStatuses = []donationdomain.Status{donationdomain.StatusPending, donationdomain.StatusActive}

type Params struct {
	fx.In

	DB       *gorm.DB
	Repo     donationdomain.Repository
	Registry processordomain.Registry
	Matcher  *matcher.Matcher
	JobLog   joblogdomain.Service
	Notifier domain.Notifier `optional:"true"`
	Holder   *config.ReconcileConfigHolder
	Clock    clock.Clock
	Metrics  *metrics.JobMetrics `optional:"true"`
	Log      *zap.Logger
}

type Service struct {
	db       *gorm.DB
	repo     donationdomain.Repository
	registry processordomain.Registry
	matcher  *matcher.Matcher
	joblog   joblogdomain.Service
	notifier domain.Notifier
	holder   *config.ReconcileConfigHolder
	clock    clock.Clock
	metrics  *metrics.JobMetrics
	log      *zap.Logger
}

func NewService(p Params) *Service {
	notifier := p.Notifier
	if notifier == nil {
		notifier = domain.NoopNotifier{}
	}
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		registry: p.Registry,
		matcher:  p.Matcher,
		joblog:   p.JobLog,
		notifier: notifier,
		holder:   p.Holder,
		clock:    p.Clock,
		metrics:  p.Metrics,
		log:      p.Log.Named("reconciliation.service"),
	}
}

// JobName is the job-log name of a reconciliation run over kind.
func JobName(kind donationdomain.Kind) string {
	if kind == donationdomain.KindSponsorship {
		return joblogdomain.JobReconcileSponsorships
	}
	return joblogdomain.JobReconcileDonations
}

// Run reconciles one bounded batch of pending and active records of a kind.
// Never-checked records go first, then the least recently checked, so healthy
// active records cannot keep newer ones out of every batch. Items are
// processed one at a time; a failure inside an item becomes an
// error result and never stops the batch. A returned error means the run
// could not start or could not load its candidates.
func (s *Service) Run(ctx context.Context, req domain.Request) (*domain.Response, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	cfg := s.holder.Get()
	budget := req.Budget
	if budget <= 0 {
		budget = cfg.Batch.RunBudget
	}
	start := s.clock.Now()
	deadline := start.Add(budget)
	job := JobName(req.Kind)

	runID, err := s.joblog.Start(ctx, job, string(req.Mode), map[string]any{
		"kind":  string(req.Kind),
		"limit": req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start job log: %v", domain.ErrRunFailed, err)
	}

	ctx = obscontext.WithRunID(ctx, runID.String())
	log := obslogger.WithRun(s.log, job, runID.String()).With(zap.String("mode", string(req.Mode)))
	resp := &domain.Response{
		RunID:   runID,
		Kind:    req.Kind,
		Mode:    req.Mode,
		Results: []domain.PerItemResult{},
	}

	proc, err := s.registry.ForMode(req.Mode)
	if err != nil {
		return s.fail(ctx, log, resp, job, start, fmt.Errorf("processor for %s: %w", req.Mode, err))
	}

	pageSize := cfg.Batch.PageSize
	if pageSize <= 0 || pageSize > req.Limit {
		pageSize = req.Limit
	}

	var (
		seen       []snowflake.ID
		loadErrors []joblogdomain.ItemError
	)
	log.Info("reconciliation.run.started", zap.Int("limit", req.Limit), zap.Duration("budget", budget))

pages:
	for len(resp.Results) < req.Limit {
		size := pageSize
		if remaining := req.Limit - len(resp.Results); size > remaining {
			size = remaining
		}
		records, err := s.repo.ListCandidates(ctx, s.db, req.Kind, req.Mode, candidateStatuses, seen, size)
		if err != nil {
			if len(resp.Results) == 0 {
				return s.fail(ctx, log, resp, job, start, fmt.Errorf("load candidates: %w", err))
			}
			log.Error("reconciliation.page.failed", zap.Error(err))
			loadErrors = append(loadErrors, joblogdomain.ItemError{Kind: string(req.Kind), Message: "load candidates: " + err.Error()})
			break
		}
		if len(records) == 0 {
			break
		}

		for _, rec := range records {
			if ctx.Err() != nil || !s.clock.Now().Before(deadline) {
				resp.Truncated = true
				s.metrics.IncDeadlineReached(job)
				log.Warn("reconciliation.run.deadline_reached",
					zap.Int("processed", len(resp.Results)),
					zap.Duration("budget", budget),
				)
				break pages
			}

			result := s.reconcileItem(ctx, proc, rec)
			resp.Results = append(resp.Results, result)
			resp.Summary.Add(result.Action)
			s.metrics.IncItemAction(string(rec.Kind), string(result.Action))
			if err := s.joblog.Append(ctx, runID, itemLogEntry(rec, result)); err != nil {
				log.Warn("reconciliation.joblog.append_failed", zap.String("record", rec.Ref()), zap.Error(err))
			}
			if err := s.repo.MarkChecked(ctx, s.db, rec.Kind, rec.ID, s.clock.Now()); err != nil {
				log.Warn("reconciliation.mark_checked.failed", zap.String("record", rec.Ref()), zap.Error(err))
			}
			seen = append(seen, rec.ID)
		}
		if len(records) < size {
			break
		}
	}

	summary := joblogdomain.Summary{
		Counts: joblogdomain.Counts{
			Checked:   resp.Summary.Checked,
			Updated:   resp.Summary.Updated,
			Skipped:   resp.Summary.Skipped,
			Cancelled: resp.Summary.Cancelled,
			Errors:    resp.Summary.Errors,
		},
		Errors: append(itemErrors(resp.Results), loadErrors...),
	}
	if len(loadErrors) > 0 {
		summary.Status = joblogdomain.RunStatusPartial
	}
	run, err := s.joblog.Finish(ctx, runID, summary)
	runStatus := string(joblogdomain.RunStatusSuccess)
	if err != nil {
		log.Warn("reconciliation.joblog.finish_failed", zap.Error(err))
	} else {
		runStatus = string(run.Status)
	}
	s.metrics.ObserveRun(job, runStatus, s.clock.Now().Sub(start))

	resp.Success = true
	log.Info("reconciliation.run.completed",
		zap.String("status", runStatus),
		zap.Int("checked", resp.Summary.Checked),
		zap.Int("updated", resp.Summary.Updated),
		zap.Int("skipped", resp.Summary.Skipped),
		zap.Int("cancelled", resp.Summary.Cancelled),
		zap.Int("errors", resp.Summary.Errors),
		zap.Bool("truncated", resp.Truncated),
	)
	return resp, nil
}

func (s *Service) reconcileItem(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record) (result domain.PerItemResult) {
	result = domain.PerItemResult{
		DonationID: rec.ID.String(),
		Kind:       rec.Kind,
		OldStatus:  rec.Status,
		NewStatus:  rec.Status,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Action = domain.ActionError
			result.NewStatus = rec.Status
			result.Error = fmt.Sprintf("panic: %v", r)
			s.log.Error("reconciliation.item.panic", zap.String("record", rec.Ref()), zap.Any("panic", r))
		}
	}()

	match := s.matcher.Match(ctx, proc, rec)
	result.Strategy = match.Strategy
	result.StripeObjectID = match.ObjectID
	result.StripeStatus = match.ObjectStatus
	if errs := match.Errors(); len(errs) > 0 {
		result.Error = strings.Join(errs, "; ")
	}

	decision := status.Reconcile(rec, match)
	result.Reason = decision.Reason
	if !decision.Action.Changed() {
		result.Action = domain.ActionSkipped
		return result
	}

	var review *donationdomain.Review
	if match.NeedsReview {
		review = &donationdomain.Review{Reason: match.Reason}
	}
	changed, err := s.repo.UpdateStatusIf(ctx, s.db, rec.Kind, rec.ID, rec.Status, decision.NewStatus, review, s.clock.Now())
	if err != nil {
		result.Action = domain.ActionError
		result.Error = err.Error()
		s.log.Error("reconciliation.item.failed", zap.String("record", rec.Ref()), zap.Error(err))
		return result
	}
	if !changed {
		result.Action = domain.ActionSkipped
		result.Reason = "status changed since it was read"
		return result
	}

	result.Action = decision.Action
	result.NewStatus = decision.NewStatus
	updated := rec
	updated.Status = decision.NewStatus
	s.notifier.Notify(ctx, updated, decision.Action)
	return result
}

// Diagnosis is the full matcher and reconciler view of a single record. It never writes.
type Diagnosis struct {
	Record   donationdomain.Record `json:"record"`
	Match    domain.MatchResult    `json:"match"`
	Decision domain.Decision       `json:"decision"`
}

func (s *Service) Diagnose(ctx context.Context, kind donationdomain.Kind, id snowflake.ID) (*Diagnosis, error) {
	rec, err := s.repo.FindByID(ctx, s.db, kind, id)
	if err != nil {
		return nil, err
	}
	proc, err := s.registry.ForMode(rec.StripeMode)
	if err != nil {
		return nil, err
	}
	match := s.matcher.Match(ctx, proc, *rec)
	return &Diagnosis{
		Record:   *rec,
		Match:    match,
		Decision: status.Reconcile(*rec, match),
	}, nil
}

func (s *Service) normalize(req domain.Request) (domain.Request, error) {
	if _, err := req.Kind.Table(); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if req.Mode == "" {
		req.Mode = donationdomain.ModeLive
	}
	if _, err := donationdomain.ParseMode(string(req.Mode)); err != nil {
		return req, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if req.Limit < 0 {
		return req, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}

	batch := s.holder.Get().Batch
	if req.Limit == 0 {
		req.Limit = batch.Size
	}
	if batch.MaxSize > 0 && req.Limit > batch.MaxSize {
		req.Limit = batch.MaxSize
	}
	return req, nil
}

func (s *Service) fail(ctx context.Context, log *zap.Logger, resp *domain.Response, job string, start time.Time, cause error) (*domain.Response, error) {
	log.Error("reconciliation.run.failed", zap.Error(cause))
	s.metrics.IncJobError(job, cause)
	s.metrics.ObserveRun(job, string(joblogdomain.RunStatusFailed), s.clock.Now().Sub(start))

	_, err := s.joblog.Finish(ctx, resp.RunID, joblogdomain.Summary{
		Status: joblogdomain.RunStatusFailed,
		Errors: []joblogdomain.ItemError{{Message: cause.Error()}},
	})
	if err != nil && !errors.Is(err, joblogdomain.ErrRunNotActive) {
		log.Warn("reconciliation.joblog.finish_failed", zap.Error(err))
	}

	resp.Success = false
	resp.Error = cause.Error()
	return resp, fmt.Errorf("%w: %v", domain.ErrRunFailed, cause)
}

func itemErrors(results []domain.PerItemResult) []joblogdomain.ItemError {
	out := make([]joblogdomain.ItemError, 0)
	for _, r := range results {
		if r.Action != domain.ActionError {
			continue
		}
		out = append(out, joblogdomain.ItemError{
			RecordID: r.DonationID,
			Kind:     string(r.Kind),
			Message:  r.Error,
		})
	}
	return out
}

func itemLogEntry(rec donationdomain.Record, r domain.PerItemResult) joblogdomain.LogEntry {
	entry := joblogdomain.LogEntry{RecordID: rec.Ref(), Severity: joblogdomain.SeverityInfo}
	switch {
	case r.Action == domain.ActionError:
		entry.Severity = joblogdomain.SeverityError
		entry.Message = r.Error
	case r.Action.Changed():
		entry.Message = fmt.Sprintf("%s: %s -> %s (%s)", r.Action, r.OldStatus, r.NewStatus, r.Reason)
	case r.Error != "":
		entry.Severity = joblogdomain.SeverityWarn
		entry.Message = fmt.Sprintf("skipped: %s [%s]", r.Reason, r.Error)
	default:
		entry.Message = "skipped: " + r.Reason
	}
	return entry
}
