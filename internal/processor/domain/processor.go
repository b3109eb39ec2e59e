package domain

import (
	"context"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
)

// Processor is the read-only view of the payment processor the engine relies on.
type Processor interface {
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetPaymentIntent(ctx context.Context, id string) (*Charge, error)
	FindCustomersByEmail(ctx context.Context, email string, limit int) ([]Customer, error)
	ListCustomerCharges(ctx context.Context, customerID string, from, to time.Time) ([]Charge, error)
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	ListCharges(ctx context.Context, query ChargeQuery) ([]Charge, error)
	Balance(ctx context.Context) (*Balance, error)
}

// ChargeQuery selects charges created in [Since, Until). A zero Until means now.
// Charges come back newest first; StartingAfter continues a listing after the
// charge with that id.
type ChargeQuery struct {
	Since         time.Time
	Until         time.Time
	Limit         int
	StartingAfter string
}

// Registry hands out the processor client for a mode.
type Registry interface {
	ForMode(mode donationdomain.Mode) (Processor, error)
}
