package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Kind selects which of the two record tables a record lives in.
type Kind string

const (
	KindDonation    Kind = "donation"
	KindSponsorship Kind = "sponsorship"
)

// Kinds lists every record kind in scan order.
var Kinds = []Kind{KindDonation, KindSponsorship}

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindDonation, "donations":
		return KindDonation, nil
	case KindSponsorship, "sponsorships":
		return KindSponsorship, nil
	default:
		return "", ErrInvalidKind
	}
}

// Table returns the storage table for the kind.
func (k Kind) Table() (string, error) {
	switch k {
	case KindDonation:
		return "donations", nil
	case KindSponsorship:
		return "sponsorships", nil
	default:
		return "", ErrInvalidKind
	}
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusDuplicate Status = "duplicate"
)

// Terminal reports whether no external signal may move the record any more.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDuplicate:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusCompleted, StatusCancelled, StatusDuplicate:
		return true
	default:
		return false
	}
}

type Frequency string

const (
	FrequencyOneTime Frequency = "one_time"
	FrequencyMonthly Frequency = "monthly"
)

// Mode is the processor environment a record was created in.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeLive:
		return ModeLive, nil
	case ModeTest:
		return ModeTest, nil
	default:
		return "", ErrInvalidMode
	}
}

type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRecovery Source = "recovery"
)

// Record is a donation or sponsorship row. Both tables share this shape.
type Record struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	Kind              Kind            `json:"kind" gorm:"-"`
	Email             string          `json:"email"`
	Name              string          `json:"name"`
	PayerID           *string         `json:"payer_id,omitempty"`
	CustomerID        *string         `json:"customer_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Frequency         Frequency       `json:"frequency"`
	Status            Status          `json:"status"`
	CheckoutSessionID *string         `json:"checkout_session_id,omitempty"`
	SubscriptionID    *string         `json:"subscription_id,omitempty"`
	PaymentIntentID   *string         `json:"payment_intent_id,omitempty"`
	ChargeID          *string         `json:"charge_id,omitempty"`
	StripeMode        Mode            `json:"stripe_mode"`
	Source            Source          `json:"source"`
	NeedsReview       bool            `json:"needs_review"`
	ReviewReason      string          `json:"review_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Ref renders "kind:id", the form used in logs and duplicate reports.
func (r Record) Ref() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// ExternalIDType names a processor identifier column.
type ExternalIDType string

const (
	ExternalCheckoutSession ExternalIDType = "checkout_session_id"
	ExternalSubscription    ExternalIDType = "subscription_id"
	ExternalPaymentIntent   ExternalIDType = "payment_intent_id"
	ExternalCharge          ExternalIDType = "charge_id"
)

type ExternalID struct {
	Type  ExternalIDType `json:"type"`
	Value string         `json:"value"`
}

func (e ExternalID) Key() string {
	return string(e.Type) + ":" + e.Value
}

// ExternalIDs returns the non-empty processor identifiers that can link records together.
func (r Record) ExternalIDs() []ExternalID {
	out := make([]ExternalID, 0, 4)
	add := func(t ExternalIDType, v *string) {
		if v == nil {
			return
		}
		value := strings.TrimSpace(*v)
		if value == "" {
			return
		}
		out = append(out, ExternalID{Type: t, Value: value})
	}
	add(ExternalCheckoutSession, r.CheckoutSessionID)
	add(ExternalSubscription, r.SubscriptionID)
	add(ExternalPaymentIntent, r.PaymentIntentID)
	add(ExternalCharge, r.ChargeID)
	return out
}

// Review marks a record for a human to look at.
type Review struct {
	Reason string
}

func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func Deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// CanTransition encodes the monotonic status graph. Nothing leaves cancelled or
// duplicate except a cancelled record being folded into a duplicate group.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusActive, StatusCompleted:
		return from == StatusPending
	case StatusCancelled:
		return from == StatusPending || from == StatusActive
	case StatusDuplicate:
		return from != StatusDuplicate
	default:
		return false
	}
}
