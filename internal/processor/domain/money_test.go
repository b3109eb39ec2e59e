package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMajorMinorUnits(t *testing.T) {
	assert.True(t, MajorUnits(2550, "usd").Equal(decimal.RequireFromString("25.50")))
	assert.Equal(t, int64(2550), MinorUnits(decimal.RequireFromString("25.5"), "USD"))
	assert.Equal(t, int64(1001), MinorUnits(decimal.RequireFromString("10.005"), "usd"))

	assert.True(t, MajorUnits(5000, "jpy").Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, int64(5000), MinorUnits(decimal.NewFromInt(5000), "JPY"))
}

func TestCheckoutSessionLinked(t *testing.T) {
	session := &CheckoutSession{ID: "cs_1"}
	assert.Nil(t, session.Linked())

	session.PaymentIntent = &Charge{PaymentIntentID: "pi_1"}
	assert.Equal(t, "pi_1", session.Linked().ObjectID())

	session.Subscription = &Subscription{ID: "sub_1"}
	assert.Equal(t, KindSubscription, session.Linked().ObjectKind())
}

func TestChargeStatusReportsRefund(t *testing.T) {
	charge := &Charge{ID: "ch_1", Status: ChargeSucceeded, Refunded: true}
	assert.Equal(t, "refunded", charge.ObjectStatus())
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "25.00 USD", FormatAmount(decimal.NewFromInt(25), "usd"))
	assert.Equal(t, "3000 JPY", FormatAmount(decimal.NewFromInt(3000), "jpy"))
}
