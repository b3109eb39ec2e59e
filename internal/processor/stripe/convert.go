package stripe

import (
	"strings"
	"time"

	"github.com/smallbiznis/donorrecon/internal/processor/domain"
	stripe "github.com/stripe/stripe-go/v74"
)

func toCheckoutSession(s *stripe.CheckoutSession) (*domain.CheckoutSession, error) {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return nil, domain.ErrInvalidObject
	}

	out := &domain.CheckoutSession{
		ID:            s.ID,
		Status:        domain.CheckoutStatus(s.Status),
		PaymentStatus: domain.CheckoutPaymentStatus(s.PaymentStatus),
		Mode:          domain.CheckoutMode(s.Mode),
		Email:         s.CustomerEmail,
		Amount:        s.AmountTotal,
		Currency:      string(s.Currency),
		Created:       unix(s.Created),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CustomerDetails != nil {
		if s.CustomerDetails.Email != "" {
			out.Email = s.CustomerDetails.Email
		}
		out.Name = s.CustomerDetails.Name
	}
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		charge, err := toChargeFromIntent(s.PaymentIntent)
		if err != nil {
			return nil, err
		}
		out.PaymentIntent = charge
	}
	if s.Subscription != nil && s.Subscription.ID != "" {
		sub, err := toSubscription(s.Subscription)
		if err != nil {
			return nil, err
		}
		out.Subscription = sub
	}
	return out, nil
}

func toSubscription(s *stripe.Subscription) (*domain.Subscription, error) {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return nil, domain.ErrInvalidObject
	}

	out := &domain.Subscription{
		ID:       s.ID,
		Status:   domain.SubscriptionStatus(s.Status),
		Currency: string(s.Currency),
		Created:  unix(s.Created),
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil || item.Price == nil {
				continue
			}
			qty := item.Quantity
			if qty <= 0 {
				qty = 1
			}
			out.Amount += item.Price.UnitAmount * qty
			if out.Currency == "" {
				out.Currency = string(item.Price.Currency)
			}
		}
	}
	return out, nil
}

func toChargeFromIntent(pi *stripe.PaymentIntent) (*domain.Charge, error) {
	if pi == nil || strings.TrimSpace(pi.ID) == "" {
		return nil, domain.ErrInvalidObject
	}

	amount := pi.AmountReceived
	if amount <= 0 {
		amount = pi.Amount
	}
	out := &domain.Charge{
		PaymentIntentID: pi.ID,
		Status:          intentStatus(pi),
		Email:           pi.ReceiptEmail,
		Description:     pi.Description,
		Amount:          amount,
		Currency:        string(pi.Currency),
		Created:         unix(pi.Created),
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	out.InvoiceID, out.SubscriptionID = invoiceRefs(pi.Invoice)
	if ch := pi.LatestCharge; ch != nil && ch.ID != "" {
		out.ID = ch.ID
		out.Refunded = ch.Refunded
		if ch.BillingDetails != nil {
			if ch.BillingDetails.Email != "" {
				out.Email = ch.BillingDetails.Email
			}
			out.Name = ch.BillingDetails.Name
		}
	}
	return out, nil
}

func intentStatus(pi *stripe.PaymentIntent) domain.ChargeStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return domain.ChargeCanceled
	case stripe.PaymentIntentStatusProcessing:
		return domain.ChargeProcessing
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return domain.ChargeFailed
		}
		return domain.ChargePending
	default:
		return domain.ChargePending
	}
}

func toCharge(ch *stripe.Charge) (*domain.Charge, error) {
	if ch == nil || strings.TrimSpace(ch.ID) == "" {
		return nil, domain.ErrInvalidObject
	}

	out := &domain.Charge{
		ID:          ch.ID,
		Status:      chargeStatus(ch.Status),
		Refunded:    ch.Refunded,
		Email:       ch.ReceiptEmail,
		Description: ch.Description,
		Amount:      ch.Amount,
		Currency:    string(ch.Currency),
		Created:     unix(ch.Created),
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	out.InvoiceID, out.SubscriptionID = invoiceRefs(ch.Invoice)
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	if ch.BillingDetails != nil {
		if ch.BillingDetails.Email != "" {
			out.Email = ch.BillingDetails.Email
		}
		out.Name = ch.BillingDetails.Name
	}
	return out, nil
}

// invoiceRefs returns the invoice id and, when the invoice was expanded, the
// subscription it bills.
func invoiceRefs(inv *stripe.Invoice) (string, string) {
	if inv == nil {
		return "", ""
	}
	sub := ""
	if inv.Subscription != nil {
		sub = inv.Subscription.ID
	}
	return inv.ID, sub
}

func chargeStatus(status stripe.ChargeStatus) domain.ChargeStatus {
	switch status {
	case stripe.ChargeStatusSucceeded:
		return domain.ChargeSucceeded
	case stripe.ChargeStatusFailed:
		return domain.ChargeFailed
	default:
		return domain.ChargePending
	}
}

func toCustomer(c *stripe.Customer) (domain.Customer, bool) {
	if c == nil || strings.TrimSpace(c.ID) == "" || c.Deleted {
		return domain.Customer{}, false
	}
	return domain.Customer{
		ID:      c.ID,
		Email:   c.Email,
		Name:    c.Name,
		Created: unix(c.Created),
	}, true
}

func toBalance(b *stripe.Balance) *domain.Balance {
	out := &domain.Balance{Available: map[string]int64{}}
	if b == nil {
		return out
	}
	for _, amount := range b.Available {
		if amount == nil {
			continue
		}
		out.Available[strings.ToLower(string(amount.Currency))] += amount.Amount
	}
	return out
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
