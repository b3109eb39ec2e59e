package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/observability/metrics"
	"github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/ratelimit"
	stripe "github.com/stripe/stripe-go/v74"
	"go.uber.org/zap"
)

// Processor adapts the Stripe API for one mode. Every call waits on the shared pacer first.
type Processor struct {
	api     api
	mode    donationdomain.Mode
	pacer   ratelimit.Pacer
	metrics *metrics.Metrics
	log     *zap.Logger
}

func New(secretKey string, mode donationdomain.Mode, pacer ratelimit.Pacer, m *metrics.Metrics, log *zap.Logger) *Processor {
	return newProcessor(newClientAPI(secretKey), mode, pacer, m, log)
}

func newProcessor(a api, mode donationdomain.Mode, pacer ratelimit.Pacer, m *metrics.Metrics, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		api:     a,
		mode:    mode,
		pacer:   pacer,
		metrics: m,
		log:     log.Named("processor.stripe").With(zap.String("mode", string(mode))),
	}
}

var _ domain.Processor = (*Processor)(nil)

func (p *Processor) GetCheckoutSession(ctx context.Context, id string) (*domain.CheckoutSession, error) {
	var out *domain.CheckoutSession
	err := p.call(ctx, "checkout_session.get", func() error {
		s, err := p.api.CheckoutSession(ctx, id)
		if err != nil {
			return err
		}
		out, err = toCheckoutSession(s)
		return err
	})
	return out, err
}

func (p *Processor) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	var out *domain.Subscription
	err := p.call(ctx, "subscription.get", func() error {
		s, err := p.api.Subscription(ctx, id)
		if err != nil {
			return err
		}
		out, err = toSubscription(s)
		return err
	})
	return out, err
}

func (p *Processor) GetPaymentIntent(ctx context.Context, id string) (*domain.Charge, error) {
	var out *domain.Charge
	err := p.call(ctx, "payment_intent.get", func() error {
		pi, err := p.api.PaymentIntent(ctx, id)
		if err != nil {
			return err
		}
		out, err = toChargeFromIntent(pi)
		return err
	})
	return out, err
}

func (p *Processor) FindCustomersByEmail(ctx context.Context, email string, limit int) ([]domain.Customer, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return []domain.Customer{}, nil
	}

	out := []domain.Customer{}
	err := p.call(ctx, "customer.search", func() error {
		customers, err := p.api.Customers(ctx, email, limit)
		if err != nil {
			return err
		}
		for _, c := range customers {
			if customer, ok := toCustomer(c); ok {
				out = append(out, customer)
			}
		}
		return nil
	})
	return out, err
}

func (p *Processor) ListCustomerCharges(ctx context.Context, customerID string, from, to time.Time) ([]domain.Charge, error) {
	return p.listCharges(ctx, "customer.charges", chargeFilter{CustomerID: customerID, From: from, To: to})
}

func (p *Processor) ListCharges(ctx context.Context, query domain.ChargeQuery) ([]domain.Charge, error) {
	return p.listCharges(ctx, "charge.list", chargeFilter{
		From:          query.Since,
		To:            query.Until,
		Limit:         query.Limit,
		StartingAfter: query.StartingAfter,
	})
}

func (p *Processor) listCharges(ctx context.Context, op string, filter chargeFilter) ([]domain.Charge, error) {
	out := []domain.Charge{}
	err := p.call(ctx, op, func() error {
		charges, err := p.api.Charges(ctx, filter)
		if err != nil {
			return err
		}
		for _, ch := range charges {
			charge, err := toCharge(ch)
			if err != nil {
				p.log.Warn("processor.charge.invalid", zap.Error(err))
				continue
			}
			out = append(out, *charge)
		}
		return nil
	})
	return out, err
}

func (p *Processor) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]domain.Subscription, error) {
	out := []domain.Subscription{}
	err := p.call(ctx, "customer.subscriptions", func() error {
		subs, err := p.api.Subscriptions(ctx, customerID)
		if err != nil {
			return err
		}
		for _, s := range subs {
			sub, err := toSubscription(s)
			if err != nil {
				continue
			}
			out = append(out, *sub)
		}
		return nil
	})
	return out, err
}

func (p *Processor) Balance(ctx context.Context) (*domain.Balance, error) {
	var out *domain.Balance
	err := p.call(ctx, "balance.get", func() error {
		b, err := p.api.Balance(ctx)
		if err != nil {
			return err
		}
		out = toBalance(b)
		return nil
	})
	return out, err
}

func (p *Processor) call(ctx context.Context, op string, fn func() error) error {
	if p.pacer != nil {
		start := time.Now()
		if err := p.pacer.Wait(ctx); err != nil {
			p.metrics.RecordProcessorCall(ctx, string(p.mode), op, "cancelled")
			return err
		}
		p.metrics.RecordPacingWait(ctx, p.pacer.Backend(), time.Since(start))
	}

	err := mapError(fn())
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
		p.log.Warn("processor.call.failed", zap.String("operation", op), zap.Error(err))
	}
	p.metrics.RecordProcessorCall(ctx, string(p.mode), op, outcome)
	return err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, stripeErr.Msg)
		}
	}
	return err
}
