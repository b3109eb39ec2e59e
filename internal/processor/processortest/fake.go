// Package processortest provides an in-memory processor for tests.
package processortest

import (
	"context"
	"strings"
	"sync"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	"github.com/smallbiznis/donorrecon/internal/processor/domain"
)

// Fake serves objects from maps. Errors keyed by operation name are returned
// before any lookup, e.g. Errors["checkout_session.get"].
type Fake struct {
	mu sync.Mutex

	Sessions      map[string]*domain.CheckoutSession
	Subscriptions map[string]*domain.Subscription
	Intents       map[string]*domain.Charge
	Customers     []domain.Customer
	// Charges are listed in slice order by ListCharges and, filtered by customer,
	// by ListCustomerCharges. Tests that page order them newest first.
	Charges      []domain.Charge
	Available    map[string]int64
	Errors       map[string]error
	BalanceDelay time.Duration

	calls []string
}

func New() *Fake {
	return &Fake{
		Sessions:      map[string]*domain.CheckoutSession{},
		Subscriptions: map[string]*domain.Subscription{},
		Intents:       map[string]*domain.Charge{},
		Available:     map[string]int64{},
		Errors:        map[string]error{},
	}
}

var _ domain.Processor = (*Fake)(nil)

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.Errors[op]
}

func (f *Fake) GetCheckoutSession(_ context.Context, id string) (*domain.CheckoutSession, error) {
	if err := f.record("checkout_session.get"); err != nil {
		return nil, err
	}
	s, ok := f.Sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (*domain.Subscription, error) {
	if err := f.record("subscription.get"); err != nil {
		return nil, err
	}
	s, ok := f.Subscriptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (f *Fake) GetPaymentIntent(_ context.Context, id string) (*domain.Charge, error) {
	if err := f.record("payment_intent.get"); err != nil {
		return nil, err
	}
	c, ok := f.Intents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (f *Fake) FindCustomersByEmail(_ context.Context, email string, limit int) ([]domain.Customer, error) {
	if err := f.record("customer.search"); err != nil {
		return nil, err
	}
	out := []domain.Customer{}
	for _, c := range f.Customers {
		if domain.NormalizeEmail(c.Email) == domain.NormalizeEmail(email) {
			out = append(out, c)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) ListCustomerCharges(_ context.Context, customerID string, from, to time.Time) ([]domain.Charge, error) {
	if err := f.record("customer.charges"); err != nil {
		return nil, err
	}
	out := []domain.Charge{}
	for _, c := range f.Charges {
		if c.CustomerID != customerID {
			continue
		}
		if !from.IsZero() && c.Created.Before(from) {
			continue
		}
		if !to.IsZero() && !c.Created.Before(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) ListCustomerSubscriptions(_ context.Context, customerID string) ([]domain.Subscription, error) {
	if err := f.record("customer.subscriptions"); err != nil {
		return nil, err
	}
	out := []domain.Subscription{}
	for _, s := range f.Subscriptions {
		if s.CustomerID == customerID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *Fake) ListCharges(_ context.Context, query domain.ChargeQuery) ([]domain.Charge, error) {
	if err := f.record("charge.list"); err != nil {
		return nil, err
	}
	out := []domain.Charge{}
	skipping := query.StartingAfter != ""
	for _, c := range f.Charges {
		if skipping {
			skipping = c.ID != query.StartingAfter
			continue
		}
		if !query.Since.IsZero() && c.Created.Before(query.Since) {
			continue
		}
		if !query.Until.IsZero() && !c.Created.Before(query.Until) {
			continue
		}
		out = append(out, c)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) Balance(ctx context.Context) (*domain.Balance, error) {
	if err := f.record("balance.get"); err != nil {
		return nil, err
	}
	if f.BalanceDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.BalanceDelay):
		}
	}
	available := map[string]int64{}
	for k, v := range f.Available {
		available[strings.ToLower(k)] = v
	}
	return &domain.Balance{Available: available}, nil
}

// Registry serves the same fake for every mode listed.
type Registry struct {
	Processors map[donationdomain.Mode]domain.Processor
}

func NewRegistry(p domain.Processor, modes ...donationdomain.Mode) *Registry {
	if len(modes) == 0 {
		modes = []donationdomain.Mode{donationdomain.ModeLive, donationdomain.ModeTest}
	}
	r := &Registry{Processors: map[donationdomain.Mode]domain.Processor{}}
	for _, mode := range modes {
		r.Processors[mode] = p
	}
	return r
}

func (r *Registry) ForMode(mode donationdomain.Mode) (domain.Processor, error) {
	p, ok := r.Processors[mode]
	if !ok {
		return nil, domain.ErrModeNotConfigured
	}
	return p, nil
}
