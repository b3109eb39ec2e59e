package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/donorrecon/internal/clock"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	donationrepo "github.com/smallbiznis/donorrecon/internal/donation/repository"
	joblogdomain "github.com/smallbiznis/donorrecon/internal/joblog/domain"
	joblogrepo "github.com/smallbiznis/donorrecon/internal/joblog/repository"
	joblogservice "github.com/smallbiznis/donorrecon/internal/joblog/service"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/processor/processortest"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/matcher"
	"github.com/smallbiznis/donorrecon/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var seeded = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []donationdomain.Record
}

func (n *recordingNotifier) Notify(_ context.Context, rec donationdomain.Record, _ domain.Action) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, rec)
}

type harness struct {
	db       *gorm.DB
	node     *snowflake.Node
	proc     *processortest.Fake
	clock    *clock.FakeClock
	joblog   joblogdomain.Service
	notifier *recordingNotifier
	reg      *prometheus.Registry
	svc      *Service
}

func newHarness(t *testing.T, cfg config.ReconcileConfig, wrap func(*processortest.Fake, *clock.FakeClock) processordomain.Processor) *harness {
	t.Helper()
	h := &harness{
		db:       storetest.Open(t),
		node:     storetest.Node(t),
		proc:     processortest.New(),
		clock:    clock.NewFakeClock(time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)),
		notifier: &recordingNotifier{},
		reg:      prometheus.NewRegistry(),
	}
	holder := config.NewStaticReconcileConfigHolder(cfg)
	jobMetrics := metrics.NewJobMetrics(h.reg, metrics.Config{ServiceName: "donorrecon-test"})
	repo := donationrepo.Provide()

	var proc processordomain.Processor = h.proc
	if wrap != nil {
		proc = wrap(h.proc, h.clock)
	}

	h.joblog = joblogservice.NewService(joblogservice.Params{
		DB:    h.db,
		Log:   zap.NewNop(),
		GenID: storetest.Node(t),
		Repo:  joblogrepo.Provide(),
		Clock: h.clock,
	})
	h.svc = NewService(Params{
		DB:       h.db,
		Repo:     repo,
		Registry: processortest.NewRegistry(proc, donationdomain.ModeLive),
		Matcher: matcher.New(matcher.Params{
			DB:      h.db,
			Repo:    repo,
			Holder:  holder,
			Metrics: jobMetrics,
			Log:     zap.NewNop(),
		}),
		JobLog:   h.joblog,
		Notifier: h.notifier,
		Holder:   holder,
		Clock:    h.clock,
		Metrics:  jobMetrics,
		Log:      zap.NewNop(),
	})
	return h
}

func (h *harness) seed(t *testing.T, in storetest.Record) donationdomain.Record {
	t.Helper()
	return storetest.Insert(t, h.db, h.node, in)
}

func TestRunActivatesPendingSubscription(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	rec := h.seed(t, storetest.Record{SubscriptionID: "sub_1", Frequency: donationdomain.FrequencyMonthly})
	h.proc.Subscriptions["sub_1"] = &processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Mode: donationdomain.ModeLive})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.Results, 1)

	item := resp.Results[0]
	assert.Equal(t, rec.ID.String(), item.DonationID)
	assert.Equal(t, domain.ActionActivated, item.Action)
	assert.Equal(t, donationdomain.StatusPending, item.OldStatus)
	assert.Equal(t, donationdomain.StatusActive, item.NewStatus)
	assert.Equal(t, "sub_1", item.StripeObjectID)
	assert.Equal(t, "active", item.StripeStatus)
	assert.Equal(t, domain.StrategySubscription, item.Strategy)
	assert.Equal(t, domain.Summary{Checked: 1, Updated: 1}, resp.Summary)
	assert.Equal(t, donationdomain.StatusActive, storetest.Status(t, h.db, donationdomain.KindDonation, rec.ID))

	run, err := h.joblog.Latest(context.Background(), joblogdomain.JobReconcileDonations)
	require.NoError(t, err)
	assert.Equal(t, resp.RunID, run.ID)
	assert.Equal(t, joblogdomain.RunStatusSuccess, run.Status)
	assert.Equal(t, 1, run.Counts.Updated)
	assert.Len(t, run.DetailedLogs, 1)
	assert.Equal(t, 1, testutil.CollectAndCount(h.reg, "donorrecon_reconcile_items_total"))
}

func TestRunCheckoutNetworkErrorIsSkippedNotCounted(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	h.seed(t, storetest.Record{CheckoutSessionID: "cs_1"})
	h.proc.Errors["checkout_session.get"] = errors.New("dial tcp: connection reset by peer")

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Mode: donationdomain.ModeLive})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, domain.ActionSkipped, resp.Results[0].Action)
	assert.Contains(t, resp.Results[0].Error, "connection reset by peer")
	assert.Equal(t, 1, resp.Summary.Skipped)
	assert.Equal(t, 0, resp.Summary.Errors)

	run, err := h.joblog.Latest(context.Background(), joblogdomain.JobReconcileDonations)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Skipped)
	assert.Equal(t, 0, run.Counts.Errors)
	assert.Empty(t, run.Errors)
	require.Len(t, run.DetailedLogs, 1)
	assert.Equal(t, joblogdomain.SeverityWarn, run.DetailedLogs[0].Severity)
}

func TestRunOnlyLoadsMutableRecords(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	h.proc.Subscriptions["sub_1"] = &processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}
	cancelled := h.seed(t, storetest.Record{SubscriptionID: "sub_1", Status: donationdomain.StatusCancelled})
	h.seed(t, storetest.Record{SubscriptionID: "sub_1", Status: donationdomain.StatusDuplicate})
	h.seed(t, storetest.Record{SubscriptionID: "sub_1", Status: donationdomain.StatusActive})

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation})
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Checked: 1, Skipped: 1}, resp.Summary)
	assert.Equal(t, "already active", resp.Results[0].Reason)
	assert.Equal(t, donationdomain.StatusCancelled, storetest.Status(t, h.db, donationdomain.KindDonation, cancelled.ID))
}

func TestRunCancellationNotifies(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	rec := h.seed(t, storetest.Record{Kind: donationdomain.KindSponsorship, SubscriptionID: "sub_9", Status: donationdomain.StatusActive})
	h.proc.Subscriptions["sub_9"] = &processordomain.Subscription{ID: "sub_9", Status: processordomain.SubscriptionCanceled}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindSponsorship})
	require.NoError(t, err)
	assert.Equal(t, domain.Summary{Checked: 1, Cancelled: 1}, resp.Summary)
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, rec.ID, h.notifier.calls[0].ID)
	assert.Equal(t, donationdomain.StatusCancelled, h.notifier.calls[0].Status)

	_, err = h.joblog.Latest(context.Background(), joblogdomain.JobReconcileSponsorships)
	require.NoError(t, err)
}

func TestRunCustomerSearchFlagsReview(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	rec := h.seed(t, storetest.Record{Email: "donor@example.org", CreatedAt: seeded})
	h.proc.Customers = []processordomain.Customer{{ID: "cus_1", Email: "donor@example.org"}}
	h.proc.Charges = []processordomain.Charge{
		{ID: "ch_1", CustomerID: "cus_1", Amount: 2500, Currency: "usd", Status: processordomain.ChargeSucceeded, Created: seeded.Add(time.Minute)},
	}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCompleted, resp.Results[0].Action)

	var review []struct {
		NeedsReview  bool
		ReviewReason string
	}
	require.NoError(t, h.db.Raw(`SELECT needs_review, review_reason FROM donations WHERE id = ?`, int64(rec.ID)).Scan(&review).Error)
	require.Len(t, review, 1)
	assert.True(t, review[0].NeedsReview)
	assert.Contains(t, review[0].ReviewReason, "customer_search")
}

type panickingProcessor struct {
	*processortest.Fake
}

func (p panickingProcessor) GetSubscription(ctx context.Context, id string) (*processordomain.Subscription, error) {
	if id == "sub_boom" {
		panic("unexpected payload")
	}
	return p.Fake.GetSubscription(ctx, id)
}

func TestRunPanicInOneItemDoesNotStopBatch(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), func(f *processortest.Fake, _ *clock.FakeClock) processordomain.Processor {
		return panickingProcessor{Fake: f}
	})
	h.seed(t, storetest.Record{SubscriptionID: "sub_boom"})
	ok := h.seed(t, storetest.Record{SubscriptionID: "sub_ok"})
	h.proc.Subscriptions["sub_ok"] = &processordomain.Subscription{ID: "sub_ok", Status: processordomain.SubscriptionActive}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, domain.ActionError, resp.Results[0].Action)
	assert.Contains(t, resp.Results[0].Error, "unexpected payload")
	assert.Equal(t, domain.ActionActivated, resp.Results[1].Action)
	assert.Equal(t, donationdomain.StatusActive, storetest.Status(t, h.db, donationdomain.KindDonation, ok.ID))

	run, err := h.joblog.Latest(context.Background(), joblogdomain.JobReconcileDonations)
	require.NoError(t, err)
	assert.Equal(t, joblogdomain.RunStatusPartial, run.Status)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0].Message, "unexpected payload")
}

type slowProcessor struct {
	*processortest.Fake
	clock *clock.FakeClock
}

func (p slowProcessor) GetSubscription(ctx context.Context, id string) (*processordomain.Subscription, error) {
	p.clock.Advance(30 * time.Second)
	return p.Fake.GetSubscription(ctx, id)
}

func TestRunStopsSchedulingAtDeadline(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), func(f *processortest.Fake, clk *clock.FakeClock) processordomain.Processor {
		return slowProcessor{Fake: f, clock: clk}
	})
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		h.seed(t, storetest.Record{SubscriptionID: id})
		h.proc.Subscriptions[id] = &processordomain.Subscription{ID: id, Status: processordomain.SubscriptionActive}
	}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Budget: 50 * time.Second})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, 2, resp.Summary.Updated)
	assert.Equal(t, 1, testutil.CollectAndCount(h.reg, "donorrecon_job_deadline_reached_total"))
}

func TestRunPagesUpToLimit(t *testing.T) {
	cfg := config.DefaultReconcileConfig()
	cfg.Batch.PageSize = 2
	h := newHarness(t, cfg, nil)
	for i := 0; i < 5; i++ {
		h.seed(t, storetest.Record{})
	}

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Summary.Checked)
	assert.Equal(t, 3, resp.Summary.Skipped)

	all, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Summary.Checked)
}

func TestRunReachesPendingRecordBehindActiveOnes(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	for _, id := range []string{"sub_1", "sub_2", "sub_3"} {
		h.seed(t, storetest.Record{SubscriptionID: id, Frequency: donationdomain.FrequencyMonthly, Status: donationdomain.StatusActive})
		h.proc.Subscriptions[id] = &processordomain.Subscription{ID: id, Status: processordomain.SubscriptionActive}
	}
	pending := h.seed(t, storetest.Record{SubscriptionID: "sub_4", Frequency: donationdomain.FrequencyMonthly})
	h.proc.Subscriptions["sub_4"] = &processordomain.Subscription{ID: "sub_4", Status: processordomain.SubscriptionActive}

	first, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Summary.Checked)
	assert.Zero(t, first.Summary.Updated)
	assert.Equal(t, donationdomain.StatusPending, storetest.Status(t, h.db, donationdomain.KindDonation, pending.ID))

	h.clock.Advance(time.Hour)
	second, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Limit: 3})
	require.NoError(t, err)
	require.NotEmpty(t, second.Results)
	assert.Equal(t, pending.ID.String(), second.Results[0].DonationID)
	assert.Equal(t, 1, second.Summary.Updated)
	assert.Equal(t, donationdomain.StatusActive, storetest.Status(t, h.db, donationdomain.KindDonation, pending.ID))
}

type appendFailingJobLog struct {
	joblogdomain.Service
}

func (appendFailingJobLog) Append(context.Context, snowflake.ID, joblogdomain.LogEntry) error {
	return errors.New("detailed_logs write failed")
}

func TestRunLogsJobLogAppendFailures(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	core, logs := observer.New(zap.WarnLevel)
	h.svc.log = zap.New(core)
	h.svc.joblog = appendFailingJobLog{Service: h.joblog}
	h.seed(t, storetest.Record{})

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Summary.Checked)
	assert.Equal(t, 1, logs.FilterMessage("reconciliation.joblog.append_failed").Len())
}

func TestRunWithoutProcessorForModeFails(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)

	resp, err := h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Mode: donationdomain.ModeTest})
	require.ErrorIs(t, err, domain.ErrRunFailed)
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	run, err := h.joblog.Latest(context.Background(), joblogdomain.JobReconcileDonations)
	require.NoError(t, err)
	assert.Equal(t, joblogdomain.RunStatusFailed, run.Status)
	assert.Equal(t, "test", run.StripeMode)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)

	_, err := h.svc.Run(context.Background(), domain.Request{Kind: "pledge"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Mode: "staging"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = h.svc.Run(context.Background(), domain.Request{Kind: donationdomain.KindDonation, Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestDiagnoseDoesNotWrite(t *testing.T) {
	h := newHarness(t, config.DefaultReconcileConfig(), nil)
	rec := h.seed(t, storetest.Record{SubscriptionID: "sub_1"})
	h.proc.Subscriptions["sub_1"] = &processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}

	diag, err := h.svc.Diagnose(context.Background(), donationdomain.KindDonation, rec.ID)
	require.NoError(t, err)
	assert.True(t, diag.Match.Found)
	assert.Len(t, diag.Match.Attempts, 3)
	assert.Equal(t, domain.ActionActivated, diag.Decision.Action)
	assert.Equal(t, donationdomain.StatusPending, storetest.Status(t, h.db, donationdomain.KindDonation, rec.ID))

	_, err = h.svc.Diagnose(context.Background(), donationdomain.KindDonation, rec.ID+1)
	assert.ErrorIs(t, err, donationdomain.ErrNotFound)
}
