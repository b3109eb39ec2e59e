package status

import (
	"testing"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
)

func found(obj processordomain.Object) domain.MatchResult {
	return domain.MatchResult{Found: true, Object: obj}
}

func record(status donationdomain.Status) donationdomain.Record {
	return donationdomain.Record{Status: status, SubscriptionID: donationdomain.StringPtr("sub_1")}
}

func TestPendingSubscriptionActivates(t *testing.T) {
	d := Reconcile(record(donationdomain.StatusPending), found(&processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}))
	assert.Equal(t, donationdomain.StatusActive, d.NewStatus)
	assert.Equal(t, domain.ActionActivated, d.Action)
	assert.False(t, d.Rejected)
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	objects := []processordomain.Object{
		&processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive},
		&processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionCanceled},
		&processordomain.Charge{ID: "ch_1", Status: processordomain.ChargeSucceeded},
		&processordomain.Charge{ID: "ch_1", Status: processordomain.ChargeSucceeded, Refunded: true},
		&processordomain.CheckoutSession{ID: "cs_1", Status: processordomain.CheckoutExpired},
	}
	for _, status := range []donationdomain.Status{donationdomain.StatusCancelled, donationdomain.StatusDuplicate, donationdomain.StatusCompleted} {
		for _, obj := range objects {
			d := Reconcile(record(status), found(obj))
			assert.Equal(t, domain.ActionSkipped, d.Action, "%s with %s %s", status, obj.ObjectKind(), obj.ObjectStatus())
			assert.Equal(t, status, d.NewStatus)
		}
	}
}

func TestRefundOnCancelledIsRejectedNotRepeated(t *testing.T) {
	d := Reconcile(record(donationdomain.StatusCancelled), found(&processordomain.Charge{ID: "ch_1", Refunded: true}))
	assert.Equal(t, domain.ActionSkipped, d.Action)
	assert.False(t, d.Rejected)

	d = Reconcile(record(donationdomain.StatusCancelled), found(&processordomain.Subscription{ID: "sub_1", Status: processordomain.SubscriptionActive}))
	assert.Equal(t, domain.ActionSkipped, d.Action)
	assert.True(t, d.Rejected)
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		name    string
		current donationdomain.Status
		obj     processordomain.Object
		want    donationdomain.Status
		action  domain.Action
	}{
		{"trialing activates", donationdomain.StatusPending, &processordomain.Subscription{Status: processordomain.SubscriptionTrialing}, donationdomain.StatusActive, domain.ActionActivated},
		{"cancelled subscription", donationdomain.StatusActive, &processordomain.Subscription{Status: processordomain.SubscriptionCanceled}, donationdomain.StatusCancelled, domain.ActionCancelled},
		{"incomplete expired", donationdomain.StatusPending, &processordomain.Subscription{Status: processordomain.SubscriptionIncompleteExpired}, donationdomain.StatusCancelled, domain.ActionCancelled},
		{"past due waits", donationdomain.StatusActive, &processordomain.Subscription{Status: processordomain.SubscriptionPastDue}, donationdomain.StatusActive, domain.ActionSkipped},
		{"already active", donationdomain.StatusActive, &processordomain.Subscription{Status: processordomain.SubscriptionActive}, donationdomain.StatusActive, domain.ActionSkipped},
		{"charge succeeded", donationdomain.StatusPending, &processordomain.Charge{Status: processordomain.ChargeSucceeded}, donationdomain.StatusCompleted, domain.ActionCompleted},
		{"charge failed", donationdomain.StatusPending, &processordomain.Charge{Status: processordomain.ChargeFailed}, donationdomain.StatusCancelled, domain.ActionCancelled},
		{"charge pending", donationdomain.StatusPending, &processordomain.Charge{Status: processordomain.ChargePending}, donationdomain.StatusPending, domain.ActionSkipped},
		{"completed only from pending", donationdomain.StatusActive, &processordomain.Charge{Status: processordomain.ChargeSucceeded}, donationdomain.StatusActive, domain.ActionSkipped},
		{"session expired", donationdomain.StatusPending, &processordomain.CheckoutSession{Status: processordomain.CheckoutExpired}, donationdomain.StatusCancelled, domain.ActionCancelled},
		{"session paid subscription", donationdomain.StatusPending, &processordomain.CheckoutSession{Status: processordomain.CheckoutComplete, PaymentStatus: processordomain.CheckoutPaid, Mode: processordomain.CheckoutModeSubscription}, donationdomain.StatusActive, domain.ActionActivated},
		{"session unpaid", donationdomain.StatusPending, &processordomain.CheckoutSession{Status: processordomain.CheckoutComplete, PaymentStatus: processordomain.CheckoutUnpaid}, donationdomain.StatusPending, domain.ActionSkipped},
		{"customer", donationdomain.StatusPending, &processordomain.Customer{ID: "cus_1"}, donationdomain.StatusPending, domain.ActionSkipped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Reconcile(record(tc.current), found(tc.obj))
			assert.Equal(t, tc.want, d.NewStatus)
			assert.Equal(t, tc.action, d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestUnresolvedIsSkipped(t *testing.T) {
	d := Reconcile(record(donationdomain.StatusPending), domain.MatchResult{Reason: "no strategy applicable"})
	assert.Equal(t, domain.ActionSkipped, d.Action)
	assert.Equal(t, "no strategy applicable", d.Reason)
	assert.Equal(t, donationdomain.StatusPending, d.NewStatus)
}
