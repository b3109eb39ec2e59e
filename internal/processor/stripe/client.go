package stripe

import (
	"context"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// maxListItems bounds every list iteration so a single lookup cannot walk an entire account.
const maxListItems = 500

// api is the slice of the Stripe client the adapter uses.
type api interface {
	CheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error)
	Subscription(ctx context.Context, id string) (*stripe.Subscription, error)
	PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	Customers(ctx context.Context, email string, limit int) ([]*stripe.Customer, error)
	Charges(ctx context.Context, filter chargeFilter) ([]*stripe.Charge, error)
	Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	Balance(ctx context.Context) (*stripe.Balance, error)
}

type chargeFilter struct {
	CustomerID    string
	From          time.Time
	To            time.Time
	Limit         int
	StartingAfter string
}

type clientAPI struct {
	sc *client.API
}

func newClientAPI(secretKey string) *clientAPI {
	return &clientAPI{sc: client.New(secretKey, nil)}
}

func (c *clientAPI) CheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.latest_charge")
	params.AddExpand("subscription")
	return c.sc.CheckoutSessions.Get(id, params)
}

func (c *clientAPI) Subscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return c.sc.Subscriptions.Get(id, params)
}

func (c *clientAPI) PaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	params.AddExpand("invoice")
	return c.sc.PaymentIntents.Get(id, params)
}

func (c *clientAPI) Customers(ctx context.Context, email string, limit int) ([]*stripe.Customer, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx
	params.Limit = stripe.Int64(int64(clampLimit(limit)))

	out := make([]*stripe.Customer, 0, clampLimit(limit))
	iter := c.sc.Customers.List(params)
	for iter.Next() {
		out = append(out, iter.Customer())
		if len(out) >= clampLimit(limit) {
			break
		}
	}
	return out, iter.Err()
}

func (c *clientAPI) Charges(ctx context.Context, filter chargeFilter) ([]*stripe.Charge, error) {
	params := &stripe.ChargeListParams{}
	params.Context = ctx
	if filter.CustomerID != "" {
		params.Customer = stripe.String(filter.CustomerID)
	}
	created := &stripe.RangeQueryParams{}
	if !filter.From.IsZero() {
		created.GreaterThanOrEqual = filter.From.Unix()
	}
	if !filter.To.IsZero() {
		created.LesserThan = filter.To.Unix()
	}
	if created.GreaterThanOrEqual != 0 || created.LesserThan != 0 {
		params.CreatedRange = created
	}
	if filter.StartingAfter != "" {
		params.StartingAfter = stripe.String(filter.StartingAfter)
	}
	limit := clampLimit(filter.Limit)
	params.Limit = stripe.Int64(int64(min(limit, 100)))
	params.AddExpand("data.payment_intent")
	params.AddExpand("data.invoice")

	out := make([]*stripe.Charge, 0, min(limit, 100))
	iter := c.sc.Charges.List(params)
	for iter.Next() {
		out = append(out, iter.Charge())
		if len(out) >= limit {
			break
		}
	}
	return out, iter.Err()
}

func (c *clientAPI) Subscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var out []*stripe.Subscription
	iter := c.sc.Subscriptions.List(params)
	for iter.Next() {
		out = append(out, iter.Subscription())
		if len(out) >= maxListItems {
			break
		}
	}
	return out, iter.Err()
}

func (c *clientAPI) Balance(ctx context.Context) (*stripe.Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	return c.sc.Balance.Get(params)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListItems {
		return maxListItems
	}
	return limit
}
