package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/donation/repository"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/processor/processortest"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/smallbiznis/donorrecon/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMatcher(t *testing.T, m *metrics.JobMetrics) *Matcher {
	t.Helper()
	return New(Params{
		DB:      storetest.Open(t),
		Repo:    repository.Provide(),
		Holder:  config.NewStaticReconcileConfigHolder(config.DefaultReconcileConfig()),
		Metrics: m,
		Log:     zap.NewNop(),
	})
}

func pendingRecord() donationdomain.Record {
	return donationdomain.Record{
		ID:         42,
		Kind:       donationdomain.KindDonation,
		Amount:     decimal.RequireFromString("25.00"),
		Currency:   "usd",
		Frequency:  donationdomain.FrequencyOneTime,
		Status:     donationdomain.StatusPending,
		StripeMode: donationdomain.ModeLive,
		CreatedAt:  created,
	}
}

func TestNoIdentifiersIsUnresolvedWithoutAttempts(t *testing.T) {
	proc := processortest.New()
	result := newMatcher(t, nil).Match(context.Background(), proc, pendingRecord())

	assert.False(t, result.Found)
	require.Len(t, result.Attempts, 3)
	for _, a := range result.Attempts {
		assert.False(t, a.Attempted, a.Strategy)
		assert.False(t, a.Found, a.Strategy)
	}
	assert.Contains(t, result.Reason, "no strategy applicable")
	assert.Empty(t, proc.Calls())
}

func TestSubscriptionStrategy(t *testing.T) {
	proc := processortest.New()
	proc.Subscriptions["sub_1"] = &processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}

	rec := pendingRecord()
	rec.SubscriptionID = donationdomain.StringPtr("sub_1")

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, domain.StrategySubscription, result.Strategy)
	assert.Equal(t, "sub_1", result.ObjectID)
	assert.Equal(t, "active", result.ObjectStatus)
	assert.False(t, result.NeedsReview)

	assert.False(t, result.Attempts[0].Attempted)
	assert.True(t, result.Attempts[1].Attempted)
	assert.True(t, result.Attempts[1].Found)
	assert.False(t, result.Attempts[2].Attempted)
}

func TestCheckoutSessionPrefersLinkedObject(t *testing.T) {
	proc := processortest.New()
	proc.Sessions["cs_1"] = &processordomain.CheckoutSession{
		ID:            "cs_1",
		Status:        processordomain.CheckoutComplete,
		PaymentStatus: processordomain.CheckoutPaid,
		PaymentIntent: &processordomain.Charge{ID: "ch_1", PaymentIntentID: "pi_1", Status: processordomain.ChargeSucceeded},
	}

	rec := pendingRecord()
	rec.CheckoutSessionID = donationdomain.StringPtr("cs_1")

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, domain.StrategyCheckoutSession, result.Strategy)
	assert.Equal(t, processordomain.KindCharge, result.Object.ObjectKind())
	assert.Equal(t, "ch_1", result.ObjectID)
}

func TestOpenSessionWithoutPaymentFallsThrough(t *testing.T) {
	proc := processortest.New()
	proc.Sessions["cs_1"] = &processordomain.CheckoutSession{ID: "cs_1", Status: processordomain.CheckoutOpen}

	rec := pendingRecord()
	rec.CheckoutSessionID = donationdomain.StringPtr("cs_1")

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	assert.False(t, result.Found)
	assert.True(t, result.Attempts[0].Attempted)
	assert.Contains(t, result.Attempts[0].Detail, "open")
}

func TestStrategyFailureDoesNotAbortLaterStrategies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewJobMetrics(reg, metrics.Config{})

	proc := processortest.New()
	proc.Errors["checkout_session.get"] = errors.New("network unreachable")
	proc.Subscriptions["sub_7"] = &processordomain.Subscription{ID: "sub_7", Status: processordomain.SubscriptionCanceled}

	rec := pendingRecord()
	rec.CheckoutSessionID = donationdomain.StringPtr("cs_1")
	rec.SubscriptionID = donationdomain.StringPtr("sub_7")

	result := newMatcher(t, m).Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, domain.StrategySubscription, result.Strategy)
	assert.Equal(t, "network unreachable", result.Attempts[0].Error)
	assert.Equal(t, []string{"checkout_session: network unreachable"}, result.Errors())

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "donorrecon_match_attempts_total"))
}

func TestCheckoutSessionNetworkErrorIsRecorded(t *testing.T) {
	proc := processortest.New()
	proc.Errors["checkout_session.get"] = errors.New("dial tcp: i/o timeout")

	rec := pendingRecord()
	rec.CheckoutSessionID = donationdomain.StringPtr("cs_1")

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	assert.False(t, result.Found)
	assert.True(t, result.Attempts[0].Attempted)
	assert.Equal(t, "dial tcp: i/o timeout", result.Attempts[0].Error)
	assert.Contains(t, result.Reason, "checkout_session failed: dial tcp: i/o timeout")
}

func TestPaymentIntentOnlyRecord(t *testing.T) {
	proc := processortest.New()
	proc.Intents["pi_1"] = &processordomain.Charge{ID: "ch_1", PaymentIntentID: "pi_1", Status: processordomain.ChargeSucceeded}

	rec := pendingRecord()
	rec.PaymentIntentID = donationdomain.StringPtr("pi_1")

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, domain.StrategyPaymentIntent, result.Strategy)
	assert.Equal(t, domain.StrategyPaymentIntent, result.Attempts[0].Strategy)
	assert.Contains(t, result.Reason, "via payment_intent")
	assert.Equal(t, []string{"payment_intent.get"}, proc.Calls())
}

func TestCustomerSearchPicksClosestMatchAndFlagsReview(t *testing.T) {
	proc := processortest.New()
	proc.Customers = []processordomain.Customer{{ID: "cus_1", Email: "Donor@Example.org"}}
	proc.Charges = []processordomain.Charge{
		{ID: "ch_far", CustomerID: "cus_1", Amount: 2500, Currency: "usd", Status: processordomain.ChargeSucceeded, Created: created.Add(20 * time.Hour)},
		{ID: "ch_near", CustomerID: "cus_1", Amount: 2500, Currency: "usd", Status: processordomain.ChargeSucceeded, Created: created.Add(-3 * time.Minute)},
		{ID: "ch_wrong_amount", CustomerID: "cus_1", Amount: 2600, Currency: "usd", Status: processordomain.ChargeSucceeded, Created: created},
		{ID: "ch_wrong_currency", CustomerID: "cus_1", Amount: 2500, Currency: "eur", Status: processordomain.ChargeSucceeded, Created: created},
	}

	rec := pendingRecord()
	rec.Email = "donor@example.org"

	result := newMatcher(t, nil).Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, domain.StrategyCustomerSearch, result.Strategy)
	assert.Equal(t, "ch_near", result.ObjectID)
	assert.True(t, result.NeedsReview)
}

func TestCustomerSearchResolvesPayerEmail(t *testing.T) {
	m := newMatcher(t, nil)
	require.NoError(t, m.db.Exec(`INSERT INTO profiles (id, email) VALUES (?, ?)`, "user-1", "payer@example.org").Error)

	proc := processortest.New()
	proc.Customers = []processordomain.Customer{{ID: "cus_9", Email: "payer@example.org"}}
	proc.Subscriptions["sub_9"] = &processordomain.Subscription{ID: "sub_9", CustomerID: "cus_9", Status: processordomain.SubscriptionActive, Amount: 1000, Currency: "usd", Created: created.Add(time.Minute)}

	rec := pendingRecord()
	rec.Frequency = donationdomain.FrequencyMonthly
	rec.Amount = decimal.NewFromInt(10)
	rec.PayerID = donationdomain.StringPtr("user-1")

	result := m.Match(context.Background(), proc, rec)
	require.True(t, result.Found)
	assert.Equal(t, "sub_9", result.ObjectID)
	assert.Equal(t, []string{"customer.search", "customer.subscriptions"}, proc.Calls())
}

func TestCustomerSearchToleranceIsConfigurable(t *testing.T) {
	proc := processortest.New()
	proc.Customers = []processordomain.Customer{{ID: "cus_1", Email: "donor@example.org"}}
	proc.Charges = []processordomain.Charge{
		{ID: "ch_1", CustomerID: "cus_1", Amount: 2550, Currency: "usd", Created: created},
	}

	rec := pendingRecord()
	rec.Email = "donor@example.org"

	m := newMatcher(t, nil)
	result := m.Match(context.Background(), proc, rec)
	assert.False(t, result.Found)
	assert.Contains(t, result.Attempts[2].Detail, "no charge within")

	cfg := config.DefaultReconcileConfig()
	cfg.Matching.AmountTolerance = 1
	m.holder = config.NewStaticReconcileConfigHolder(cfg)
	result = m.Match(context.Background(), proc, rec)
	assert.True(t, result.Found)
}
