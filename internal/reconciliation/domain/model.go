package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
)

// Action is the outcome of reconciling one record. The job log and the
// operator dashboard use the same vocabulary.
type Action string

const (
	ActionActivated Action = "activated"
	ActionCompleted Action = "completed"
	ActionCancelled Action = "cancelled"
	ActionSkipped   Action = "skipped"
	ActionError     Action = "error"
)

// Changed reports whether the action moved the record to a new status.
func (a Action) Changed() bool {
	switch a {
	case ActionActivated, ActionCompleted, ActionCancelled:
		return true
	default:
		return false
	}
}

type Strategy string

const (
	StrategyCheckoutSession Strategy = "checkout_session"
	// StrategyPaymentIntent takes the checkout_session slot for records that
	// carry a payment intent id but no session id.
	StrategyPaymentIntent   Strategy = "payment_intent"
	StrategySubscription    Strategy = "subscription"
	StrategyCustomerSearch  Strategy = "customer_search"
)

// Strategies is the order in which lookups are attempted.
var Strategies = []Strategy{StrategyCheckoutSession, StrategySubscription, StrategyCustomerSearch}

// Attempt records what one strategy did, whether or not it matched.
type Attempt struct {
	Strategy  Strategy `json:"strategy"`
	Attempted bool     `json:"attempted"`
	Found     bool     `json:"found"`
	Error     string   `json:"error,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

type MatchResult struct {
	Found        bool                   `json:"found"`
	Object       processordomain.Object `json:"-"`
	ObjectID     string                 `json:"objectId,omitempty"`
	ObjectKind   string                 `json:"objectKind,omitempty"`
	ObjectStatus string                 `json:"objectStatus,omitempty"`
	Strategy     Strategy               `json:"strategy,omitempty"`
	Reason       string                 `json:"reason"`
	NeedsReview  bool                   `json:"needsReview"`
	Attempts     []Attempt              `json:"attempts"`
}

// Errors joins the error text of every failed attempt.
func (m MatchResult) Errors() []string {
	var out []string
	for _, a := range m.Attempts {
		if a.Error != "" {
			out = append(out, string(a.Strategy)+": "+a.Error)
		}
	}
	return out
}

// Decision is what the status reconciler wants done with a record.
type Decision struct {
	NewStatus donationdomain.Status `json:"newStatus"`
	Action    Action                `json:"action"`
	Reason    string                `json:"reason"`

	// Rejected is set when the external state asked for a transition the
	// record's current status does not allow.
	Rejected bool `json:"rejected"`
}

type PerItemResult struct {
	DonationID     string                `json:"donationId"`
	Kind           donationdomain.Kind   `json:"kind"`
	OldStatus      donationdomain.Status `json:"oldStatus"`
	NewStatus      donationdomain.Status `json:"newStatus"`
	StripeObjectID string                `json:"stripeObjectId,omitempty"`
	StripeStatus   string                `json:"stripeStatus,omitempty"`
	Action         Action                `json:"action"`
	Strategy       Strategy              `json:"strategy,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Summary carries the counts the operator dashboard renders. The JSON names are stable.
type Summary struct {
	Checked   int `json:"checked"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

func (s *Summary) Add(action Action) {
	s.Checked++
	switch action {
	case ActionActivated, ActionCompleted:
		s.Updated++
	case ActionCancelled:
		s.Cancelled++
	case ActionSkipped:
		s.Skipped++
	case ActionError:
		s.Errors++
	}
}

type Request struct {
	Kind  donationdomain.Kind `json:"kind"`
	Mode  donationdomain.Mode `json:"mode"`
	Limit int                 `json:"limit,omitempty"`

	// Budget overrides the configured wall-clock budget for the run.
	Budget time.Duration `json:"-"`
}

type Response struct {
	Success bool                `json:"success"`
	RunID   snowflake.ID        `json:"runId,string"`
	Kind    donationdomain.Kind `json:"kind"`
	Mode    donationdomain.Mode `json:"mode"`
	Results []PerItemResult     `json:"results"`
	Summary Summary             `json:"summary"`

	// Truncated is set when the wall-clock budget stopped the run early.
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// Notifier receives fire-and-forget side effects of status changes.
type Notifier interface {
	Notify(ctx context.Context, record donationdomain.Record, action Action)
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, donationdomain.Record, Action) {}
