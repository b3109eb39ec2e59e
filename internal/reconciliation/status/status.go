// Package status derives a record's next status from the processor's view of it.
package status

import (
	"fmt"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
	"github.com/smallbiznis/donorrecon/internal/reconciliation/domain"
)

// Reconcile never returns an error: anything it cannot act on becomes a skip
// with a reason an operator can read.
func Reconcile(record donationdomain.Record, match domain.MatchResult) domain.Decision {
	if !match.Found || match.Object == nil {
		reason := match.Reason
		if reason == "" {
			reason = "no processor object matched"
		}
		return skip(record, reason)
	}

	target, reason := targetStatus(match.Object)

	if record.Status.Terminal() {
		d := skip(record, fmt.Sprintf("record is %s and cannot change", record.Status))
		d.Rejected = target != "" && target != record.Status
		return d
	}
	if target == "" {
		return skip(record, reason)
	}
	if target == record.Status {
		return skip(record, fmt.Sprintf("already %s", target))
	}
	if !donationdomain.CanTransition(record.Status, target) {
		d := skip(record, fmt.Sprintf("%s: %s -> %s not allowed", reason, record.Status, target))
		d.Rejected = true
		return d
	}

	return domain.Decision{
		NewStatus: target,
		Action:    actionFor(target),
		Reason:    reason,
	}
}

// targetStatus returns the status the external object implies, or "" when it
// implies no change.
func targetStatus(obj processordomain.Object) (donationdomain.Status, string) {
	switch o := obj.(type) {
	case *processordomain.Subscription:
		return subscriptionTarget(o)
	case *processordomain.Charge:
		return chargeTarget(o)
	case *processordomain.CheckoutSession:
		return checkoutTarget(o)
	case *processordomain.Customer:
		return "", "customer objects carry no payment status"
	default:
		return "", fmt.Sprintf("unsupported processor object %T", obj)
	}
}

func subscriptionTarget(s *processordomain.Subscription) (donationdomain.Status, string) {
	switch s.Status {
	case processordomain.SubscriptionActive, processordomain.SubscriptionTrialing:
		return donationdomain.StatusActive, "subscription " + string(s.Status)
	case processordomain.SubscriptionCanceled, processordomain.SubscriptionIncompleteExpired:
		return donationdomain.StatusCancelled, "subscription " + string(s.Status)
	case processordomain.SubscriptionPastDue:
		return "", "subscription past_due, waiting for retry"
	default:
		return "", "subscription " + string(s.Status) + " needs no change"
	}
}

func chargeTarget(c *processordomain.Charge) (donationdomain.Status, string) {
	if c.Refunded {
		return donationdomain.StatusCancelled, "charge refunded"
	}
	switch c.Status {
	case processordomain.ChargeSucceeded:
		return donationdomain.StatusCompleted, "charge succeeded"
	case processordomain.ChargeFailed, processordomain.ChargeCanceled:
		return donationdomain.StatusCancelled, "charge " + string(c.Status)
	default:
		return "", "charge " + string(c.Status) + ", not settled yet"
	}
}

func checkoutTarget(s *processordomain.CheckoutSession) (donationdomain.Status, string) {
	switch s.Status {
	case processordomain.CheckoutExpired:
		return donationdomain.StatusCancelled, "checkout session expired"
	case processordomain.CheckoutComplete:
		if s.PaymentStatus != processordomain.CheckoutPaid {
			return "", "checkout session complete but " + string(s.PaymentStatus)
		}
		if s.Mode == processordomain.CheckoutModeSubscription {
			return donationdomain.StatusActive, "checkout session paid"
		}
		return donationdomain.StatusCompleted, "checkout session paid"
	default:
		return "", "checkout session " + string(s.Status)
	}
}

func actionFor(status donationdomain.Status) domain.Action {
	switch status {
	case donationdomain.StatusActive:
		return domain.ActionActivated
	case donationdomain.StatusCompleted:
		return domain.ActionCompleted
	case donationdomain.StatusCancelled:
		return domain.ActionCancelled
	default:
		return domain.ActionSkipped
	}
}

func skip(record donationdomain.Record, reason string) domain.Decision {
	return domain.Decision{
		NewStatus: record.Status,
		Action:    domain.ActionSkipped,
		Reason:    reason,
	}
}
