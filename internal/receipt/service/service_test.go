package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/providers/email"
	"github.com/smallbiznis/donorrecon/internal/providers/pdf"
	"github.com/smallbiznis/donorrecon/internal/receipt/domain"
	"github.com/smallbiznis/donorrecon/internal/receipt/repository"
	recondomain "github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sentMail struct {
	To          []string
	Template    string
	Data        map[string]any
	Attachments []email.Attachment
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(context.Context, email.Message) error { return m.err }

func (m *fakeMailer) SendTemplate(_ context.Context, to []string, name string, data map[string]any, attachments ...email.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Template: name, Data: data, Attachments: attachments})
	return nil
}

type stubPDF struct{}

func (stubPDF) GenerateReceipt(_ context.Context, data pdf.ReceiptData) (io.Reader, error) {
	return bytes.NewReader([]byte("%PDF " + data.Number)), nil
}

// stampFailingRepo refuses to stamp sent_at.
type stampFailingRepo struct {
	domain.Repository
}

func (stampFailingRepo) MarkSent(context.Context, *gorm.DB, snowflake.ID, time.Time) (bool, error) {
	return false, errors.New("database is locked")
}

func newTestService(t *testing.T, mailer *fakeMailer) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithRepo(t, mailer, repository.Provide())
}

func newTestServiceWithRepo(t *testing.T, mailer *fakeMailer, repo domain.Repository) (*Service, *gorm.DB) {
	t.Helper()
	db := storetest.Open(t)
	cfg := config.Config{Email: config.EmailConfig{OrgName: "Donor Services", OrgEmail: "donors@example.org"}}
	return NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  storetest.Node(t),
		Repo:   repo,
		Config: cfg,
		Email:  mailer,
		PDF:    stubPDF{},
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)),
	}), db
}

func completedRecord(t *testing.T, db *gorm.DB) donationdomain.Record {
	t.Helper()
	return storetest.Insert(t, db, storetest.Node(t), storetest.Record{
		ID:              9001,
		Email:           "Donor@Example.org",
		Amount:          "40",
		Status:          donationdomain.StatusCompleted,
		PaymentIntentID: "pi_9001",
	})
}

func TestEnsureIsIdempotent(t *testing.T) {
	svc, db := newTestService(t, &fakeMailer{})
	rec := completedRecord(t, db)

	first, created, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "RCT-20260304-D9001", first.Number)
	assert.Equal(t, "donor@example.org", first.Email)

	second, created, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Amount.Equal(first.Amount))
	assert.EqualValues(t, 1, storetest.Count(t, db, "receipts"))
}

func TestSendAttachesPDFAndStampsSentAt(t *testing.T) {
	mailer := &fakeMailer{}
	svc, db := newTestService(t, mailer)
	rec := completedRecord(t, db)

	receipt, _, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)

	sent, err := svc.Send(context.Background(), rec, receipt)
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, templateReceipt, mailer.sent[0].Template)
	assert.Equal(t, []string{"donor@example.org"}, mailer.sent[0].To)
	assert.Equal(t, "40.00 USD", mailer.sent[0].Data["amount"])
	require.Len(t, mailer.sent[0].Attachments, 1)
	assert.Equal(t, "RCT-20260304-D9001.pdf", mailer.sent[0].Attachments[0].Filename)

	stored, err := repository.Provide().FindByRecord(context.Background(), db, rec.Kind, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SentAt)

	again, err := svc.Send(context.Background(), rec, stored)
	require.NoError(t, err)
	assert.False(t, again)
	assert.Len(t, mailer.sent, 1)
}

func TestSendFailureLeavesReceiptUnsent(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("smtp: 421 try later")}
	svc, db := newTestService(t, mailer)
	rec := completedRecord(t, db)

	receipt, _, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)
	_, err = svc.Send(context.Background(), rec, receipt)
	assert.Error(t, err)

	pending, err := repository.Provide().ListRecordsNeedingReceipt(context.Background(), db, rec.Kind, donationdomain.ModeLive, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
}

func TestSendDoesNotEmailWhenStampFails(t *testing.T) {
	mailer := &fakeMailer{}
	svc, db := newTestServiceWithRepo(t, mailer, stampFailingRepo{Repository: repository.Provide()})
	rec := completedRecord(t, db)

	receipt, _, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)

	sent, err := svc.Send(context.Background(), rec, receipt)
	assert.Error(t, err)
	assert.False(t, sent)
	assert.Empty(t, mailer.sent)
}

func TestSendSkipsReceiptClaimedElsewhere(t *testing.T) {
	mailer := &fakeMailer{}
	svc, db := newTestService(t, mailer)
	rec := completedRecord(t, db)

	receipt, _, err := svc.Ensure(context.Background(), rec)
	require.NoError(t, err)
	_, err = repository.Provide().MarkSent(context.Background(), db, receipt.ID, time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	sent, err := svc.Send(context.Background(), rec, receipt)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, mailer.sent)
}

func TestSendWithoutEmail(t *testing.T) {
	svc, _ := newTestService(t, &fakeMailer{})
	_, err := svc.Send(context.Background(), donationdomain.Record{}, &domain.Receipt{Number: "RCT-1"})
	assert.ErrorIs(t, err, domain.ErrNoRecipient)
}

func TestNotifyOnlyOnCancellation(t *testing.T) {
	mailer := &fakeMailer{}
	svc, db := newTestService(t, mailer)
	rec := completedRecord(t, db)

	svc.Notify(context.Background(), rec, recondomain.ActionCompleted)
	assert.Empty(t, mailer.sent)

	rec.Status = donationdomain.StatusCancelled
	svc.Notify(context.Background(), rec, recondomain.ActionCancelled)
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, templateCancellation, mailer.sent[0].Template)
	assert.Equal(t, "pi_9001", mailer.sent[0].Data["reference"])
}
