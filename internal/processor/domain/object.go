package domain

import (
	"strings"
	"time"
)

type ObjectKind string

const (
	KindCheckoutSession ObjectKind = "checkout_session"
	KindSubscription    ObjectKind = "subscription"
	KindCharge          ObjectKind = "charge"
	KindCustomer        ObjectKind = "customer"
)

// Object is one of CheckoutSession, Subscription, Charge or Customer.
// The set is closed; callers switch on the concrete type.
type Object interface {
	ObjectID() string
	ObjectKind() ObjectKind
	ObjectStatus() string
	isObject()
}

type CheckoutStatus string

const (
	CheckoutOpen     CheckoutStatus = "open"
	CheckoutComplete CheckoutStatus = "complete"
	CheckoutExpired  CheckoutStatus = "expired"
)

type CheckoutPaymentStatus string

const (
	CheckoutPaid              CheckoutPaymentStatus = "paid"
	CheckoutUnpaid            CheckoutPaymentStatus = "unpaid"
	CheckoutNoPaymentRequired CheckoutPaymentStatus = "no_payment_required"
)

type CheckoutMode string

const (
	CheckoutModePayment      CheckoutMode = "payment"
	CheckoutModeSubscription CheckoutMode = "subscription"
)

// CheckoutSession links to the payment intent or subscription it produced, when expanded.
type CheckoutSession struct {
	ID            string
	Status        CheckoutStatus
	PaymentStatus CheckoutPaymentStatus
	Mode          CheckoutMode
	CustomerID    string
	Email         string
	Name          string
	Amount        int64
	Currency      string
	PaymentIntent *Charge
	Subscription  *Subscription
	Created       time.Time
}

func (s *CheckoutSession) ObjectID() string { return s.ID }
func (s *CheckoutSession) ObjectKind() ObjectKind { return KindCheckoutSession }
func (s *CheckoutSession) ObjectStatus() string { return string(s.Status) }
func (*CheckoutSession) isObject() {}

// Linked returns the object the session produced, preferring the subscription.
func (s *CheckoutSession) Linked() Object {
	if s.Subscription != nil && s.Subscription.ID != "" {
		return s.Subscription
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ObjectID() != "" {
		return s.PaymentIntent
	}
	return nil
}

type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

type Subscription struct {
	ID         string
	Status     SubscriptionStatus
	CustomerID string

	// Amount is the recurring amount per period in minor units.
	Amount   int64
	Currency string
	Created  time.Time
}

func (s *Subscription) ObjectID() string { return s.ID }
func (s *Subscription) ObjectKind() ObjectKind { return KindSubscription }
func (s *Subscription) ObjectStatus() string { return string(s.Status) }
func (*Subscription) isObject() {}

type ChargeStatus string

const (
	ChargeSucceeded  ChargeStatus = "succeeded"
	ChargePending    ChargeStatus = "pending"
	ChargeProcessing ChargeStatus = "processing"
	ChargeFailed     ChargeStatus = "failed"
	ChargeCanceled   ChargeStatus = "canceled"
)

// Charge covers both payment intents and the charges they settle.
// InvoiceID is set for charges raised by an invoice; SubscriptionID is set
// when that invoice bills a subscription, which makes the charge a renewal.
type Charge struct {
	ID              string
	PaymentIntentID string
	InvoiceID       string
	SubscriptionID  string
	Status          ChargeStatus
	Refunded        bool
	CustomerID      string
	Email           string
	Name            string
	Description     string
	Amount          int64
	Currency        string
	Created         time.Time
}

func (c *Charge) ObjectID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.PaymentIntentID
}
func (c *Charge) ObjectKind() ObjectKind { return KindCharge }
func (c *Charge) ObjectStatus() string {
	if c.Refunded {
		return "refunded"
	}
	return string(c.Status)
}
func (*Charge) isObject() {}

// Invoiced reports whether the charge was raised by an invoice rather than a
// one-off checkout.
func (c *Charge) Invoiced() bool {
	return c.InvoiceID != "" || c.SubscriptionID != ""
}

type Customer struct {
	ID      string
	Email   string
	Name    string
	Created time.Time
}

func (c *Customer) ObjectID() string { return c.ID }
func (c *Customer) ObjectKind() ObjectKind { return KindCustomer }
func (c *Customer) ObjectStatus() string { return "" }
func (*Customer) isObject() {}

// Balance is the available funds per currency, in minor units.
type Balance struct {
	Available map[string]int64
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
