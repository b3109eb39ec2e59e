package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	"github.com/smallbiznis/donorrecon/internal/observability/tracing"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Repo    donationdomain.Repository
	Holder  *config.ReconcileConfigHolder
	Metrics *metrics.JobMetrics `optional:"true"`
	Log     *zap.Logger
}

// Matcher resolves a local record to the processor object it represents by
// trying each lookup strategy in order until one matches.
type Matcher struct {
	db      *gorm.DB
	repo    donationdomain.Repository
	holder  *config.ReconcileConfigHolder
	metrics *metrics.JobMetrics
	log     *zap.Logger
	tracer  trace.Tracer
}

func New(p Params) *Matcher {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		db:      p.DB,
		repo:    p.Repo,
		holder:  p.Holder,
		metrics: p.Metrics,
		log:     log.Named("reconciliation.matcher"),
		tracer:  otel.Tracer("donorrecon/matcher"),
	}
}

type strategyFunc func(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record, attempt *domain.Attempt) processordomain.Object

// Match never fails; lookup errors are recorded on the attempt that made them.
func (m *Matcher) Match(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record) domain.MatchResult {
	ctx, span := m.tracer.Start(ctx, "reconciliation.match", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("record.kind", string(rec.Kind)),
		attribute.String("record.id", rec.ID.String()),
	)...))
	defer span.End()

	strategies := []struct {
		name domain.Strategy
		run  strategyFunc
	}{
		{domain.StrategyCheckoutSession, m.byCheckoutSession},
		{domain.StrategySubscription, m.bySubscription},
		{domain.StrategyCustomerSearch, m.byCustomerSearch},
	}

	result := domain.MatchResult{Attempts: make([]domain.Attempt, 0, len(strategies))}
	for _, s := range strategies {
		attempt := domain.Attempt{Strategy: s.name}
		if result.Found {
			result.Attempts = append(result.Attempts, attempt)
			continue
		}

		obj := m.runStrategy(ctx, s.name, s.run, proc, rec, &attempt)
		result.Attempts = append(result.Attempts, attempt)
		if obj == nil {
			continue
		}

		result.Found = true
		result.Object = obj
		result.ObjectID = obj.ObjectID()
		result.ObjectKind = string(obj.ObjectKind())
		result.ObjectStatus = obj.ObjectStatus()
		result.Strategy = attempt.Strategy
		result.Reason = fmt.Sprintf("matched %s %s via %s", obj.ObjectKind(), obj.ObjectID(), attempt.Strategy)
		if s.name == domain.StrategyCustomerSearch {
			result.NeedsReview = true
		}
	}

	if !result.Found {
		result.Reason = unresolvedReason(result.Attempts)
		span.SetAttributes(attribute.Bool("match.found", false))
	} else {
		span.SetAttributes(
			attribute.Bool("match.found", true),
			attribute.String("match.strategy", string(result.Strategy)),
		)
	}
	return result
}

func (m *Matcher) runStrategy(ctx context.Context, name domain.Strategy, run strategyFunc, proc processordomain.Processor, rec donationdomain.Record, attempt *domain.Attempt) processordomain.Object {
	ctx, span := m.tracer.Start(ctx, "reconciliation.strategy."+string(name))
	defer span.End()

	obj := run(ctx, proc, rec, attempt)
	attempt.Found = obj != nil
	name = attempt.Strategy

	outcome := metrics.MatchOutcomeSkipped
	switch {
	case !attempt.Attempted:
	case attempt.Found:
		outcome = metrics.MatchOutcomeFound
	case attempt.Error != "":
		outcome = metrics.MatchOutcomeError
		span.SetStatus(codes.Error, tracing.SafeError(errors.New(attempt.Error)).Error())
		m.log.Warn("reconciliation.strategy.failed",
			zap.String("strategy", string(name)),
			zap.String("record", rec.Ref()),
			zap.String("error", attempt.Error),
		)
	default:
		outcome = metrics.MatchOutcomeNotFound
	}
	m.metrics.IncMatchAttempt(string(name), outcome)
	span.SetAttributes(attribute.String("strategy.outcome", outcome))
	return obj
}

// byCheckoutSession resolves the session and prefers the payment intent or
// subscription it produced. Records that only carry a payment intent id are
// looked up directly and reported under StrategyPaymentIntent.
func (m *Matcher) byCheckoutSession(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record, attempt *domain.Attempt) processordomain.Object {
	sessionID := strings.TrimSpace(donationdomain.Deref(rec.CheckoutSessionID))
	intentID := strings.TrimSpace(donationdomain.Deref(rec.PaymentIntentID))
	if sessionID == "" && intentID == "" {
		attempt.Detail = "no checkout_session_id"
		return nil
	}
	attempt.Attempted = true

	if sessionID == "" {
		attempt.Strategy = domain.StrategyPaymentIntent
		charge, err := proc.GetPaymentIntent(ctx, intentID)
		if err != nil {
			recordLookupError(attempt, "payment intent", intentID, err)
			return nil
		}
		return charge
	}

	session, err := proc.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		recordLookupError(attempt, "checkout session", sessionID, err)
		return nil
	}
	if linked := session.Linked(); linked != nil {
		return linked
	}
	switch session.Status {
	case processordomain.CheckoutComplete, processordomain.CheckoutExpired:
		return session
	default:
		attempt.Detail = fmt.Sprintf("checkout session %s is %s with no payment", sessionID, session.Status)
		return nil
	}
}

func (m *Matcher) bySubscription(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record, attempt *domain.Attempt) processordomain.Object {
	subID := strings.TrimSpace(donationdomain.Deref(rec.SubscriptionID))
	if subID == "" {
		attempt.Detail = "no subscription_id"
		return nil
	}
	attempt.Attempted = true

	sub, err := proc.GetSubscription(ctx, subID)
	if err != nil {
		recordLookupError(attempt, "subscription", subID, err)
		return nil
	}
	return sub
}

// byCustomerSearch is the lowest-confidence strategy: it looks for a charge or
// subscription on the payer's processor customer whose amount and creation time
// are close to the record's.
func (m *Matcher) byCustomerSearch(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record, attempt *domain.Attempt) processordomain.Object {
	cfg := m.holder.Get().Matching

	customers, ok := m.resolveCustomers(ctx, proc, rec, cfg.MaxCustomers, attempt)
	if !ok {
		return nil
	}
	if len(customers) == 0 {
		attempt.Detail = "no processor customer for payer"
		return nil
	}

	from := rec.CreatedAt.Add(-cfg.TimeWindow)
	to := rec.CreatedAt.Add(cfg.TimeWindow)
	tolerance := cfg.Tolerance()

	var (
		best     processordomain.Object
		bestGap  time.Duration
		failures []string
	)
	consider := func(obj processordomain.Object, created time.Time, amount int64, currency string) {
		if !amountMatches(rec, amount, currency, tolerance) {
			return
		}
		gap := absDuration(created.Sub(rec.CreatedAt))
		if gap > cfg.TimeWindow {
			return
		}
		if best == nil || gap < bestGap {
			best, bestGap = obj, gap
		}
	}

	for _, customer := range customers {
		if rec.Frequency == donationdomain.FrequencyMonthly {
			subs, err := proc.ListCustomerSubscriptions(ctx, customer.ID)
			if err != nil {
				failures = append(failures, fmt.Sprintf("subscriptions for %s: %v", customer.ID, err))
				continue
			}
			for i := range subs {
				consider(&subs[i], subs[i].Created, subs[i].Amount, subs[i].Currency)
			}
			continue
		}

		charges, err := proc.ListCustomerCharges(ctx, customer.ID, from, to)
		if err != nil {
			failures = append(failures, fmt.Sprintf("charges for %s: %v", customer.ID, err))
			continue
		}
		for i := range charges {
			consider(&charges[i], charges[i].Created, charges[i].Amount, charges[i].Currency)
		}
	}

	if best == nil {
		if len(failures) > 0 {
			attempt.Error = strings.Join(failures, "; ")
		} else {
			attempt.Detail = fmt.Sprintf("no %s within %s of %s matching %s", searchTarget(rec), cfg.TimeWindow, rec.CreatedAt.Format(time.RFC3339), rec.Amount.String())
		}
		return nil
	}
	return best
}

// resolveCustomers returns false when the strategy's precondition does not hold
// or the payer lookup failed.
func (m *Matcher) resolveCustomers(ctx context.Context, proc processordomain.Processor, rec donationdomain.Record, limit int, attempt *domain.Attempt) ([]processordomain.Customer, bool) {
	if customerID := strings.TrimSpace(donationdomain.Deref(rec.CustomerID)); customerID != "" {
		attempt.Attempted = true
		return []processordomain.Customer{{ID: customerID, Email: rec.Email}}, true
	}

	email := strings.TrimSpace(rec.Email)
	if email == "" && rec.PayerID != nil && m.repo != nil && m.db != nil {
		resolved, err := m.repo.PayerEmail(ctx, m.db, *rec.PayerID)
		switch {
		case errors.Is(err, donationdomain.ErrPayerNotFound):
		case err != nil:
			attempt.Attempted = true
			attempt.Error = fmt.Sprintf("payer lookup: %v", err)
			return nil, false
		default:
			email = resolved
		}
	}
	if email == "" {
		attempt.Detail = "no payer email or customer id"
		return nil, false
	}

	attempt.Attempted = true
	customers, err := proc.FindCustomersByEmail(ctx, email, limit)
	if err != nil {
		attempt.Error = fmt.Sprintf("customer search: %v", err)
		return nil, false
	}
	return customers, true
}

func amountMatches(rec donationdomain.Record, minor int64, currency string, tolerance decimal.Decimal) bool {
	if currency != "" && rec.Currency != "" && !strings.EqualFold(currency, rec.Currency) {
		return false
	}
	if currency == "" {
		currency = rec.Currency
	}
	diff := processordomain.MajorUnits(minor, currency).Sub(rec.Amount).Abs()
	return diff.LessThanOrEqual(tolerance)
}

func recordLookupError(attempt *domain.Attempt, what, id string, err error) {
	if errors.Is(err, processordomain.ErrNotFound) {
		attempt.Detail = fmt.Sprintf("%s %s not found", what, id)
		return
	}
	attempt.Error = err.Error()
}

func unresolvedReason(attempts []domain.Attempt) string {
	var parts []string
	for _, a := range attempts {
		if !a.Attempted {
			continue
		}
		switch {
		case a.Error != "":
			parts = append(parts, fmt.Sprintf("%s failed: %s", a.Strategy, a.Error))
		case a.Detail != "":
			parts = append(parts, fmt.Sprintf("%s: %s", a.Strategy, a.Detail))
		default:
			parts = append(parts, fmt.Sprintf("%s: no match", a.Strategy))
		}
	}
	if len(parts) == 0 {
		return "no strategy applicable: record has no processor ids or payer identity"
	}
	return "unresolved: " + strings.Join(parts, "; ")
}

func searchTarget(rec donationdomain.Record) string {
	if rec.Frequency == donationdomain.FrequencyMonthly {
		return "subscription"
	}
	return "charge"
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
