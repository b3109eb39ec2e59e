package stripe

import (
	"testing"
	"time"

	"github.com/smallbiznis/donorrecon/internal/processor/domain"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCheckoutSessionWithExpandedLinks(t *testing.T) {
	session := &stripe.CheckoutSession{
		ID:            "cs_1",
		Status:        stripe.CheckoutSessionStatusComplete,
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Mode:          stripe.CheckoutSessionModePayment,
		CustomerEmail: "old@example.org",
		CustomerDetails: &stripe.CheckoutSessionCustomerDetails{
			Email: "donor@example.org",
			Name:  "Dana Donor",
		},
		AmountTotal: 2500,
		Currency:    stripe.CurrencyUSD,
		Created:     1_700_000_000,
		PaymentIntent: &stripe.PaymentIntent{
			ID:             "pi_1",
			Status:         stripe.PaymentIntentStatusSucceeded,
			Amount:         2500,
			AmountReceived: 2500,
			Currency:       stripe.CurrencyUSD,
			LatestCharge:   &stripe.Charge{ID: "ch_1"},
		},
	}

	got, err := toCheckoutSession(session)
	require.NoError(t, err)
	assert.Equal(t, domain.CheckoutComplete, got.Status)
	assert.Equal(t, domain.CheckoutPaid, got.PaymentStatus)
	assert.Equal(t, "donor@example.org", got.Email)
	assert.Equal(t, "Dana Donor", got.Name)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), got.Created)
	require.NotNil(t, got.PaymentIntent)
	assert.Equal(t, "ch_1", got.PaymentIntent.ID)
	assert.Equal(t, "pi_1", got.PaymentIntent.PaymentIntentID)
	assert.Equal(t, domain.ChargeSucceeded, got.PaymentIntent.Status)
	assert.Nil(t, got.Subscription)
}

func TestToCheckoutSessionRejectsMissingID(t *testing.T) {
	_, err := toCheckoutSession(&stripe.CheckoutSession{})
	assert.ErrorIs(t, err, domain.ErrInvalidObject)
	_, err = toCheckoutSession(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidObject)
}

func TestToSubscriptionSumsItems(t *testing.T) {
	sub := &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusActive,
		Customer: &stripe.Customer{ID: "cus_1"},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{UnitAmount: 1000, Currency: stripe.CurrencyEUR}, Quantity: 2},
			{Price: &stripe.Price{UnitAmount: 500, Currency: stripe.CurrencyEUR}},
			nil,
		}},
	}

	got, err := toSubscription(sub)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.Amount)
	assert.Equal(t, "eur", got.Currency)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, domain.SubscriptionActive, got.Status)
}

func TestIntentStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		intent *stripe.PaymentIntent
		want   domain.ChargeStatus
	}{
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded}, domain.ChargeSucceeded},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, domain.ChargeCanceled},
		{"processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, domain.ChargeProcessing},
		{"declined", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{}}, domain.ChargeFailed},
		{"awaiting method", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, domain.ChargePending},
		{"requires action", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, domain.ChargePending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, intentStatus(tc.intent))
		})
	}
}

func TestToChargeUsesBillingDetails(t *testing.T) {
	ch := &stripe.Charge{
		ID:             "ch_9",
		Status:         stripe.ChargeStatusSucceeded,
		Amount:         1250,
		Currency:       stripe.CurrencyUSD,
		ReceiptEmail:   "receipt@example.org",
		BillingDetails: &stripe.ChargeBillingDetails{Email: "billing@example.org", Name: "Pat"},
		PaymentIntent:  &stripe.PaymentIntent{ID: "pi_9"},
		Refunded:       true,
	}

	got, err := toCharge(ch)
	require.NoError(t, err)
	assert.Equal(t, "billing@example.org", got.Email)
	assert.Equal(t, "pi_9", got.PaymentIntentID)
	assert.True(t, got.Refunded)
	assert.Equal(t, "refunded", got.ObjectStatus())
}

func TestToChargeCarriesInvoiceSubscription(t *testing.T) {
	ch := &stripe.Charge{
		ID:            "ch_month2",
		Status:        stripe.ChargeStatusSucceeded,
		Amount:        2000,
		Currency:      stripe.CurrencyUSD,
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_month2"},
		Invoice: &stripe.Invoice{
			ID:           "in_2",
			Subscription: &stripe.Subscription{ID: "sub_1"},
		},
	}

	got, err := toCharge(ch)
	require.NoError(t, err)
	assert.Equal(t, "in_2", got.InvoiceID)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.True(t, got.Invoiced())

	plain, err := toCharge(&stripe.Charge{ID: "ch_once", Status: stripe.ChargeStatusSucceeded})
	require.NoError(t, err)
	assert.False(t, plain.Invoiced())
}

func TestToCustomerSkipsDeleted(t *testing.T) {
	_, ok := toCustomer(&stripe.Customer{ID: "cus_1", Deleted: true})
	assert.False(t, ok)

	c, ok := toCustomer(&stripe.Customer{ID: "cus_2", Email: "a@example.org"})
	assert.True(t, ok)
	assert.Equal(t, "a@example.org", c.Email)
}

func TestToBalanceGroupsByCurrency(t *testing.T) {
	b := toBalance(&stripe.Balance{Available: []*stripe.Amount{
		{Amount: 100, Currency: stripe.CurrencyUSD},
		{Amount: 50, Currency: stripe.CurrencyUSD},
		{Amount: 7, Currency: stripe.CurrencyEUR},
	}})
	assert.Equal(t, map[string]int64{"usd": 150, "eur": 7}, b.Available)
}
