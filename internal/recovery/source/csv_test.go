package source

import (
	"strings"
	"testing"
	"time"

	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChargesCanonicalHeader(t *testing.T) {
	export := `id,payment_intent,customer_email,amount,currency,created,status,description
ch_1,pi_1, Donor@Example.org ,25.00,usd,2026-03-01 12:00:00,Paid,Donation
ch_2,,b@example.org,"1,200.50",USD,2026-03-02T08:30:00Z,Refunded,
ch_3,pi_3,c@example.org,3000,jpy,2026-03-03,Failed,

ch_4,pi_4,d@example.org,abc,usd,2026-03-04,Paid,
`
	rows, err := ParseCharges(strings.NewReader(export))
	require.NoError(t, err)
	require.Len(t, rows, 4)

	first := rows[0]
	require.NoError(t, first.Err)
	assert.Equal(t, 2, first.Line)
	assert.Equal(t, "ch_1", first.Charge.ID)
	assert.Equal(t, "pi_1", first.Charge.PaymentIntentID)
	assert.Equal(t, "donor@example.org", first.Charge.Email)
	assert.EqualValues(t, 2500, first.Charge.Amount)
	assert.Equal(t, processordomain.ChargeSucceeded, first.Charge.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), first.Charge.Created)

	require.NoError(t, rows[1].Err)
	assert.EqualValues(t, 120050, rows[1].Charge.Amount)
	assert.Equal(t, "usd", rows[1].Charge.Currency)
	assert.True(t, rows[1].Charge.Refunded)

	require.NoError(t, rows[2].Err)
	assert.EqualValues(t, 3000, rows[2].Charge.Amount)
	assert.Equal(t, processordomain.ChargeFailed, rows[2].Charge.Status)

	assert.Error(t, rows[3].Err)
	assert.Equal(t, 6, rows[3].Line)
}

func TestParseChargesDashboardHeader(t *testing.T) {
	export := "id,PaymentIntent ID,Customer Email,Amount,Currency,Created (UTC),Status\n" +
		"ch_9,pi_9,x@example.org,10,eur,2026-03-05 09:15,succeeded\n"
	rows, err := ParseCharges(strings.NewReader(export))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, "pi_9", rows[0].Charge.PaymentIntentID)
	assert.Equal(t, "x@example.org", rows[0].Charge.Email)
	assert.EqualValues(t, 1000, rows[0].Charge.Amount)
}

func TestParseChargesInvoiceColumns(t *testing.T) {
	export := "id,PaymentIntent ID,Customer Email,Amount,Currency,Created (UTC),Status,Invoice ID,Subscription ID\n" +
		"ch_20,pi_20,x@example.org,20,usd,2026-03-05 09:15,Paid,in_20,sub_1\n" +
		"ch_21,pi_21,x@example.org,20,usd,2026-03-05 09:20,Paid,,\n"
	rows, err := ParseCharges(strings.NewReader(export))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, rows[0].Err)
	assert.Equal(t, "in_20", rows[0].Charge.InvoiceID)
	assert.Equal(t, "sub_1", rows[0].Charge.SubscriptionID)
	assert.True(t, rows[0].Charge.Invoiced())
	assert.False(t, rows[1].Charge.Invoiced())
}

func TestParseChargesMissingColumn(t *testing.T) {
	_, err := ParseCharges(strings.NewReader("id,amount,currency,status\nch_1,5,usd,paid\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = ParseCharges(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmptyExport)
}
