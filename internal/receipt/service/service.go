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
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/providers/email"
	"github.com/smallbiznis/donorrecon/internal/providers/pdf"
	"github.com/smallbiznis/donorrecon/internal/receipt/domain"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	templateReceipt      = "receipt"
	templateCancellation = "cancellation"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Config  config.Config
	Email   email.Provider
	PDF     pdf.Provider
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

// Service issues receipts and sends donor-facing email. It also implements the
// reconciliation notifier so cancellations reach the donor.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	org     config.EmailConfig
	email   email.Provider
	pdf     pdf.Provider
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("receipt.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		org:     p.Config.Email,
		email:   p.Email,
		pdf:     p.PDF,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

var _ recondomain.Notifier = (*Service)(nil)

// Ensure returns the record's receipt, creating it when absent. created is
// false when a receipt already existed, including one inserted concurrently.
func (s *Service) Ensure(ctx context.Context, rec donationdomain.Record) (*domain.Receipt, bool, error) {
	existing, err := s.repo.FindByRecord(ctx, s.db, rec.Kind, rec.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrReceiptNotFound) {
		return nil, false, err
	}

	now := s.clock.Now()
	receipt := &domain.Receipt{
		ID:         s.genID.Generate(),
		RecordKind: rec.Kind,
		RecordID:   rec.ID,
		Number:     domain.NumberFor(rec, now),
		Email:      processordomain.NormalizeEmail(rec.Email),
		Name:       strings.TrimSpace(rec.Name),
		Amount:     rec.Amount,
		Currency:   strings.ToLower(rec.Currency),
		IssuedAt:   now,
		CreatedAt:  now,
	}
	created, err := s.repo.InsertIfAbsent(ctx, s.db, receipt)
	if err != nil {
		return nil, false, err
	}
	if !created {
		existing, err := s.repo.FindByRecord(ctx, s.db, rec.Kind, rec.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	s.log.Info("receipt.issued",
		zap.String("record", rec.Ref()),
		zap.String("number", receipt.Number),
	)
	return receipt, true, nil
}

// ListPending returns records of kind that still owe the donor a receipt.
func (s *Service) ListPending(ctx context.Context, kind donationdomain.Kind, mode donationdomain.Mode, limit int) ([]donationdomain.Record, error) {
	return s.repo.ListRecordsNeedingReceipt(ctx, s.db, kind, mode, limit)
}

// Send claims the receipt by stamping sent_at, then emails it with a PDF
// copy. A failed email releases the claim so a later run retries; a receipt
// that is already stamped is left alone and reported as not sent.
func (s *Service) Send(ctx context.Context, rec donationdomain.Record, receipt *domain.Receipt) (bool, error) {
	if receipt.SentAt != nil {
		return false, nil
	}
	if receipt.Email == "" {
		return false, domain.ErrNoRecipient
	}

	claimedAt := s.clock.Now().UTC().Truncate(time.Microsecond)
	claimed, err := s.repo.MarkSent(ctx, s.db, receipt.ID, claimedAt)
	if err != nil {
		return false, fmt.Errorf("claim receipt %s: %w", receipt.Number, err)
	}
	if !claimed {
		s.log.Info("receipt.already_sent", zap.String("number", receipt.Number))
		return false, nil
	}

	issuedOn := receipt.IssuedAt.Format("2006-01-02")
	amount := processordomain.FormatAmount(receipt.Amount, receipt.Currency)

	var attachments []email.Attachment
	doc, err := s.pdf.GenerateReceipt(ctx, pdf.ReceiptData{
		OrgName:   s.org.OrgName,
		OrgEmail:  s.org.OrgEmail,
		Number:    receipt.Number,
		IssuedOn:  issuedOn,
		DonorName: receipt.Name,
		Email:     receipt.Email,
		Kind:      string(rec.Kind),
		Frequency: string(rec.Frequency),
		Amount:    amount,
		Reference: reference(rec),
	})
	switch {
	case err != nil:
		s.log.Warn("receipt.pdf.failed", zap.String("number", receipt.Number), zap.Error(err))
	case doc != nil:
		data, err := io.ReadAll(doc)
		if err != nil {
			s.log.Warn("receipt.pdf.read_failed", zap.String("number", receipt.Number), zap.Error(err))
			break
		}
		attachments = append(attachments, email.Attachment{
			Filename:    receipt.Number + ".pdf",
			ContentType: "application/pdf",
			Data:        data,
		})
	}

	err = s.email.SendTemplate(ctx, []string{receipt.Email}, templateReceipt, map[string]any{
		"name":      receipt.Name,
		"kind":      string(rec.Kind),
		"frequency": string(rec.Frequency),
		"amount":    amount,
		"number":    receipt.Number,
		"issued_on": issuedOn,
	}, attachments...)
	if err != nil {
		s.metrics.RecordEmail(ctx, templateReceipt, "failed")
		if _, rerr := s.repo.UnmarkSent(ctx, s.db, receipt.ID, claimedAt); rerr != nil {
			s.log.Error("receipt.release_failed",
				zap.String("number", receipt.Number),
				zap.Error(rerr),
			)
		}
		return false, err
	}
	s.metrics.RecordEmail(ctx, templateReceipt, "sent")

	sentAt := claimedAt
	receipt.SentAt = &sentAt
	return true, nil
}

// Notify sends the donor a cancellation notice. Failures are logged only.
func (s *Service) Notify(ctx context.Context, rec donationdomain.Record, action recondomain.Action) {
	if action != recondomain.ActionCancelled {
		return
	}
	to := processordomain.NormalizeEmail(rec.Email)
	if to == "" {
		return
	}

	err := s.email.SendTemplate(ctx, []string{to}, templateCancellation, map[string]any{
		"name":      strings.TrimSpace(rec.Name),
		"kind":      string(rec.Kind),
		"frequency": string(rec.Frequency),
		"amount":    processordomain.FormatAmount(rec.Amount, rec.Currency),
		"reference": reference(rec),
	})
	if err != nil {
		s.metrics.RecordEmail(ctx, templateCancellation, "failed")
		s.log.Warn("receipt.cancellation_notice.failed", zap.String("record", rec.Ref()), zap.Error(err))
		return
	}
	s.metrics.RecordEmail(ctx, templateCancellation, "sent")
}

func reference(rec donationdomain.Record) string {
	if ids := rec.ExternalIDs(); len(ids) > 0 {
		return ids[0].Value
	}
	return rec.ID.String()
}
