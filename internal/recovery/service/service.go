package service

import (
	"context"
	"errors"
	"fmt"
	"io"
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
	receiptdomain "github.com/smallbiznis/donorrecon/internal/receipt/domain"
	"github.com/smallbiznis/donorrecon/internal/recovery/domain"
	"github.com/smallbiznis/donorrecon/internal/recovery/source"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultLookback = 30 * 24 * time.Hour

const (
	defaultChargePage = 100
	maxChargePages    = 200
)

const (
	reviewNoEmail        = "recovered charge carries no payer email"
	reviewUnknownInvoice = "recovered invoice charge names no subscription"
)

// Receipts issues and mails receipts for recovered records.
type Receipts interface {
	Ensure(ctx context.Context, rec donationdomain.Record) (*receiptdomain.Receipt, bool, error)
	Send(ctx context.Context, rec donationdomain.Record, receipt *receiptdomain.Receipt) (bool, error)
	ListPending(ctx context.Context, kind donationdomain.Kind, mode donationdomain.Mode, limit int) ([]donationdomain.Record, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Repo     donationdomain.Repository
	Registry processordomain.Registry
	Receipts Receipts
	JobLog   joblogdomain.Service
	Opener   *source.Opener `optional:"true"`
	Holder   *config.ReconcileConfigHolder
	GenID    *snowflake.Node
	Clock    clock.Clock
	Metrics  *metrics.JobMetrics `optional:"true"`
	Log      *zap.Logger
}

type Service struct {
	db       *gorm.DB
	repo     donationdomain.Repository
	registry processordomain.Registry
	receipts Receipts
	joblog   joblogdomain.Service
	opener   *source.Opener
	holder   *config.ReconcileConfigHolder
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.JobMetrics
	log      *zap.Logger

	chargePage int
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		registry: p.Registry,
		receipts: p.Receipts,
		joblog:   p.JobLog,
		opener:   p.Opener,
		holder:   p.Holder,
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,
		log:      p.Log.Named("recovery.service"),

		chargePage: defaultChargePage,
	}
}

// candidate is one unit of recovery work: an external charge that may lack a
// local record, an existing record that lacks a receipt, or an unreadable
// export row.
type candidate struct {
	ref    string
	charge *processordomain.Charge
	record *donationdomain.Record
	err    error
}

// RecoverMissing creates records for processor charges with no local
// counterpart, then issues and sends their receipts. Each item runs the three
// steps independently; an item that fails at the email step keeps the record
// and receipt it already has, and a rerun picks up where it stopped.
func (s *Service) RecoverMissing(ctx context.Context, req domain.Request) (*domain.Summary, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	cfg := s.holder.Get()
	start := s.clock.Now()
	deadline := start.Add(cfg.Batch.RunBudget)
	job := joblogdomain.JobRecoverMissing

	input := map[string]any{
		"source": string(req.Source),
		"limit":  req.Limit,
	}
	if req.Source == domain.SourceCharges {
		input["since"] = req.Since.Format(time.RFC3339)
	}
	if req.Location != "" {
		input["location"] = req.Location
	}
	runID, err := s.joblog.Start(ctx, job, string(req.Mode), input)
	if err != nil {
		return nil, fmt.Errorf("%w: start job log: %v", domain.ErrRunFailed, err)
	}

	ctx = obscontext.WithRunID(ctx, runID.String())
	log := obslogger.WithRun(s.log, job, runID.String()).With(
		zap.String("source", string(req.Source)),
		zap.String("mode", string(req.Mode)),
	)
	summary := &domain.Summary{
		RunID:  runID.String(),
		Source: req.Source,
		Mode:   string(req.Mode),
		Items:  []domain.ItemResult{},
	}

	candidates, err := s.load(ctx, req)
	if err != nil {
		log.Error("recovery.run.failed", zap.Error(err))
		s.metrics.IncJobError(job, err)
		s.metrics.ObserveRun(job, string(joblogdomain.RunStatusFailed), s.clock.Now().Sub(start))
		if _, ferr := s.joblog.Finish(ctx, runID, joblogdomain.Summary{
			Status: joblogdomain.RunStatusFailed,
			Errors: []joblogdomain.ItemError{{Message: err.Error()}},
		}); ferr != nil {
			log.Warn("recovery.joblog.finish_failed", zap.Error(ferr))
		}
		return summary, fmt.Errorf("%w: %v", domain.ErrRunFailed, err)
	}
	log.Info("recovery.run.started", zap.Int("candidates", len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil || !s.clock.Now().Before(deadline) {
			summary.Truncated = true
			s.metrics.IncDeadlineReached(job)
			log.Warn("recovery.run.deadline_reached", zap.Int("processed", summary.Total))
			break
		}
		item := s.recoverItem(ctx, req.Mode, c)
		summary.Add(item)
		if err := s.joblog.Append(ctx, runID, itemLogEntry(item)); err != nil {
			log.Warn("recovery.joblog.append_failed", zap.String("reference", item.Reference), zap.Error(err))
		}
	}

	run, err := s.joblog.Finish(ctx, runID, joblogdomain.Summary{
		Counts: joblogdomain.Counts{
			Checked: summary.Total,
			Updated: summary.DonationsCreated,
			Skipped: summary.Total - summary.Failed - touched(summary.Items),
			Errors:  summary.Failed,
		},
		Errors: itemErrors(summary.Items),
	})
	runStatus := string(joblogdomain.RunStatusSuccess)
	if err != nil {
		log.Warn("recovery.joblog.finish_failed", zap.Error(err))
	} else {
		runStatus = string(run.Status)
	}
	s.metrics.ObserveRun(job, runStatus, s.clock.Now().Sub(start))

	log.Info("recovery.run.completed",
		zap.String("status", runStatus),
		zap.Int("total", summary.Total),
		zap.Int("donations_created", summary.DonationsCreated),
		zap.Int("receipts_generated", summary.ReceiptsGenerated),
		zap.Int("receipts_sent", summary.ReceiptsSent),
		zap.Int("failed", summary.Failed),
		zap.Bool("truncated", summary.Truncated),
	)
	return summary, nil
}

func (s *Service) normalize(req domain.Request) (domain.Request, error) {
	src, err := domain.ParseSource(string(req.Source))
	if err != nil {
		return req, err
	}
	req.Source = src
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
	if req.Source == domain.SourceCharges && req.Since.IsZero() {
		req.Since = s.clock.Now().Add(-defaultLookback)
	}
	if req.Source == domain.SourceCSV && req.CSV == nil && strings.TrimSpace(req.Location) == "" {
		return req, domain.ErrMissingCSV
	}
	return req, nil
}

func (s *Service) load(ctx context.Context, req domain.Request) ([]candidate, error) {
	switch req.Source {
	case domain.SourceCharges:
		proc, err := s.registry.ForMode(req.Mode)
		if err != nil {
			return nil, fmt.Errorf("processor for %s: %w", req.Mode, err)
		}
		return s.missingCharges(ctx, proc, req)

	case domain.SourceCSV:
		reader := req.CSV
		if reader == nil {
			if s.opener == nil {
				return nil, domain.ErrMissingCSV
			}
			rc, err := s.opener.Open(ctx, req.Location)
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			reader = rc
		}
		return csvCandidates(reader, req.Limit)

	case domain.SourceReceipts:
		out := []candidate{}
		for _, kind := range donationdomain.Kinds {
			remaining := req.Limit - len(out)
			if remaining <= 0 {
				break
			}
			records, err := s.receipts.ListPending(ctx, kind, req.Mode, remaining)
			if err != nil {
				return nil, fmt.Errorf("list %s needing receipts: %w", kind, err)
			}
			for i := range records {
				out = append(out, candidate{ref: records[i].Ref(), record: &records[i]})
			}
		}
		return out, nil
	}
	return nil, domain.ErrInvalidSource
}

// missingCharges pages through the lookback window until it has found Limit
// recoverable charges with no local record or the window runs out. Charges
// that already have a record do not count toward the limit, so a busy window
// cannot hide older orphans behind recent recorded charges.
func (s *Service) missingCharges(ctx context.Context, proc processordomain.Processor, req domain.Request) ([]candidate, error) {
	out := []candidate{}
	query := processordomain.ChargeQuery{Since: req.Since, Limit: s.chargePage}
	for page := 0; page < maxChargePages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		charges, err := proc.ListCharges(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("list charges: %w", err)
		}
		for i := range charges {
			if !recoverable(charges[i]) {
				continue
			}
			existing, err := s.findExisting(ctx, req.Mode, chargeIDs(charges[i]))
			if err != nil {
				return nil, fmt.Errorf("look up charge %s: %w", charges[i].ObjectID(), err)
			}
			if existing != nil {
				continue
			}
			out = append(out, candidate{ref: charges[i].ObjectID(), charge: &charges[i]})
			if len(out) >= req.Limit {
				return out, nil
			}
		}
		if len(charges) < query.Limit {
			return out, nil
		}
		last := charges[len(charges)-1].ID
		if last == "" || last == query.StartingAfter {
			return out, nil
		}
		query.StartingAfter = last
	}
	s.log.Warn("recovery.charges.page_limit", zap.Int("pages", maxChargePages), zap.Int("found", len(out)))
	return out, nil
}

func csvCandidates(r io.Reader, limit int) ([]candidate, error) {
	rows, err := source.ParseCharges(r)
	if err != nil {
		return nil, err
	}
	out := []candidate{}
	for i := range rows {
		if len(out) >= limit {
			break
		}
		row := rows[i]
		if row.Err != nil {
			out = append(out, candidate{ref: fmt.Sprintf("line %d", row.Line), err: row.Err})
			continue
		}
		if !recoverable(row.Charge) {
			continue
		}
		out = append(out, candidate{ref: row.Charge.ObjectID(), charge: &row.Charge})
	}
	return out, nil
}

// recoverable reports whether the charge represents money that was kept.
func recoverable(c processordomain.Charge) bool {
	return c.Status == processordomain.ChargeSucceeded && !c.Refunded && c.Amount > 0
}

func (s *Service) recoverItem(ctx context.Context, mode donationdomain.Mode, c candidate) (result domain.ItemResult) {
	result = domain.ItemResult{Reference: c.ref}
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("panic: %v", r)
			s.log.Error("recovery.item.panic", zap.String("reference", c.ref), zap.Any("panic", r))
		}
	}()

	if c.err != nil {
		result.FailedStep = domain.StepRecord
		result.Error = c.err.Error()
		s.metrics.IncRecoveryStep(metrics.RecoveryStepRecord, false)
		return result
	}

	var rec donationdomain.Record
	if c.charge != nil {
		created, ok, err := s.ensureRecord(ctx, mode, *c.charge)
		s.metrics.IncRecoveryStep(metrics.RecoveryStepRecord, err == nil)
		if err != nil {
			result.FailedStep = domain.StepRecord
			result.Error = err.Error()
			s.log.Error("recovery.record.failed", zap.String("reference", c.ref), zap.Error(err))
			return result
		}
		rec = created
		result.DonationCreated = ok
	} else {
		rec = *c.record
	}
	result.RecordID = rec.ID.String()
	result.Kind = rec.Kind
	result.NeedsReview = rec.NeedsReview

	if rec.Status != donationdomain.StatusCompleted && rec.Status != donationdomain.StatusActive {
		return result
	}
	if processordomain.NormalizeEmail(rec.Email) == "" {
		return result
	}
	// Invoice charges only get a receipt when they started a new monthly
	// record. A renewal of a record on file, or one whose subscription is
	// unknown, must not mail the donor again.
	if c.charge != nil && c.charge.Invoiced() && (!result.DonationCreated || c.charge.SubscriptionID == "") {
		return result
	}

	receipt, generated, err := s.receipts.Ensure(ctx, rec)
	s.metrics.IncRecoveryStep(metrics.RecoveryStepReceipt, err == nil)
	if err != nil {
		result.FailedStep = domain.StepReceipt
		result.Error = err.Error()
		s.log.Error("recovery.receipt.failed", zap.String("record", rec.Ref()), zap.Error(err))
		return result
	}
	result.ReceiptGenerated = generated

	sent, err := s.receipts.Send(ctx, rec, receipt)
	if err != nil {
		s.metrics.IncRecoveryStep(metrics.RecoveryStepEmail, false)
		result.FailedStep = domain.StepEmail
		result.Error = err.Error()
		s.log.Warn("recovery.email.failed", zap.String("record", rec.Ref()), zap.Error(err))
		return result
	}
	if sent {
		s.metrics.IncRecoveryStep(metrics.RecoveryStepEmail, true)
	}
	result.ReceiptSent = sent
	return result
}

// ensureRecord finds the local record for a charge in either table. When none
// exists it creates a completed one-time donation, or an active monthly one
// for a subscription charge. The unique charge id makes a racing
// insert a no-op, after which the winner's row is returned.
func (s *Service) ensureRecord(ctx context.Context, mode donationdomain.Mode, charge processordomain.Charge) (donationdomain.Record, bool, error) {
	ids := chargeIDs(charge)
	if len(ids) == 0 {
		return donationdomain.Record{}, false, errors.New("charge has no identifier")
	}
	existing, err := s.findExisting(ctx, mode, ids)
	if err != nil {
		return donationdomain.Record{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	now := s.clock.Now()
	created := charge.Created
	if created.IsZero() {
		created = now
	}
	rec := donationdomain.Record{
		ID:              s.genID.Generate(),
		Kind:            donationdomain.KindDonation,
		Email:           processordomain.NormalizeEmail(charge.Email),
		Name:            strings.TrimSpace(charge.Name),
		CustomerID:      donationdomain.StringPtr(charge.CustomerID),
		Amount:          processordomain.MajorUnits(charge.Amount, charge.Currency),
		Currency:        strings.ToLower(charge.Currency),
		Frequency:       donationdomain.FrequencyOneTime,
		Status:          donationdomain.StatusCompleted,
		PaymentIntentID: donationdomain.StringPtr(charge.PaymentIntentID),
		ChargeID:        donationdomain.StringPtr(charge.ID),
		StripeMode:      mode,
		Source:          donationdomain.SourceRecovery,
		CreatedAt:       created,
		UpdatedAt:       now,
	}
	switch {
	case charge.SubscriptionID != "":
		rec.Frequency = donationdomain.FrequencyMonthly
		rec.Status = donationdomain.StatusActive
		rec.SubscriptionID = donationdomain.StringPtr(charge.SubscriptionID)
	case charge.Invoiced():
		rec.NeedsReview = true
		rec.ReviewReason = reviewUnknownInvoice
	}
	if rec.Email == "" {
		rec.NeedsReview = true
		rec.ReviewReason = reviewNoEmail
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, s.db, &rec)
	if err != nil {
		return donationdomain.Record{}, false, err
	}
	if inserted {
		s.log.Info("recovery.record.created",
			zap.String("record", rec.Ref()),
			zap.String("charge", charge.ObjectID()),
		)
		return rec, true, nil
	}

	existing, err = s.findExisting(ctx, mode, ids)
	if err != nil {
		return donationdomain.Record{}, false, err
	}
	if existing == nil {
		return donationdomain.Record{}, false, fmt.Errorf("charge %s: insert ignored but no record found", charge.ObjectID())
	}
	return *existing, false, nil
}

func (s *Service) findExisting(ctx context.Context, mode donationdomain.Mode, ids []donationdomain.ExternalID) (*donationdomain.Record, error) {
	for _, kind := range donationdomain.Kinds {
		rec, err := s.repo.FindByExternalID(ctx, s.db, kind, mode, ids)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return rec, nil
		}
	}
	return nil, nil
}

// chargeIDs lists the identifiers a local record of the charge could carry.
// A renewal charge has a fresh payment intent and charge id, so the
// subscription id is what links it to the record created at signup.
func chargeIDs(c processordomain.Charge) []donationdomain.ExternalID {
	ids := []donationdomain.ExternalID{}
	if v := strings.TrimSpace(c.SubscriptionID); v != "" {
		ids = append(ids, donationdomain.ExternalID{Type: donationdomain.ExternalSubscription, Value: v})
	}
	if v := strings.TrimSpace(c.PaymentIntentID); v != "" {
		ids = append(ids, donationdomain.ExternalID{Type: donationdomain.ExternalPaymentIntent, Value: v})
	}
	if v := strings.TrimSpace(c.ID); v != "" {
		ids = append(ids, donationdomain.ExternalID{Type: donationdomain.ExternalCharge, Value: v})
	}
	return ids
}

// touched counts successful items that changed something.
func touched(items []domain.ItemResult) int {
	n := 0
	for _, item := range items {
		if item.Failed() {
			continue
		}
		if item.DonationCreated || item.ReceiptGenerated || item.ReceiptSent {
			n++
		}
	}
	return n
}

func itemErrors(items []domain.ItemResult) []joblogdomain.ItemError {
	out := []joblogdomain.ItemError{}
	for _, item := range items {
		if !item.Failed() {
			continue
		}
		id := item.RecordID
		if id == "" {
			id = item.Reference
		}
		out = append(out, joblogdomain.ItemError{
			RecordID: id,
			Kind:     string(item.Kind),
			Message:  fmt.Sprintf("%s: %s", item.FailedStep, item.Error),
		})
	}
	return out
}

func itemLogEntry(item domain.ItemResult) joblogdomain.LogEntry {
	entry := joblogdomain.LogEntry{
		RecordID: item.RecordID,
		Severity: joblogdomain.SeverityInfo,
		Message: fmt.Sprintf("%s: created=%t receipt=%t sent=%t",
			item.Reference, item.DonationCreated, item.ReceiptGenerated, item.ReceiptSent),
	}
	if item.Failed() {
		entry.Severity = joblogdomain.SeverityError
		entry.Message = fmt.Sprintf("%s: %s failed: %s", item.Reference, item.FailedStep, item.Error)
	}
	return entry
}
