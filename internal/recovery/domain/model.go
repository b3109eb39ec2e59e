package domain

import (
	"errors"
	"io"
	"strings"
	"time"

	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
)

// Source selects where recovery looks for money with no local record.
type Source string

const (
	SourceCharges  Source = "charges"
	SourceCSV      Source = "csv"
	SourceReceipts Source = "receipts"
)

func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceCharges:
		return SourceCharges, nil
	case SourceCSV:
		return SourceCSV, nil
	case SourceReceipts:
		return SourceReceipts, nil
	default:
		return "", ErrInvalidSource
	}
}

type Request struct {
	Source Source
	Mode   donationdomain.Mode
	Limit  int
	// Since bounds the charges source. Zero means the default lookback.
	Since time.Time
	// CSV is an uploaded export. When nil, Location is opened instead.
	CSV      io.Reader
	Location string
}

// Step names the pipeline stage an item failed in.
type Step string

const (
	StepRecord  Step = "record"
	StepReceipt Step = "receipt"
	StepEmail   Step = "email"
)

// ItemResult records each stage independently, so a failed email still shows
// the record and receipt that were created before it.
type ItemResult struct {
	Reference        string              `json:"reference"`
	RecordID         string              `json:"recordId,omitempty"`
	Kind             donationdomain.Kind `json:"kind,omitempty"`
	DonationCreated  bool                `json:"donationCreated"`
	ReceiptGenerated bool                `json:"receiptGenerated"`
	ReceiptSent      bool                `json:"receiptSent"`
	NeedsReview      bool                `json:"needsReview,omitempty"`
	FailedStep       Step                `json:"failedStep,omitempty"`
	Error            string              `json:"error,omitempty"`
}

func (r ItemResult) Failed() bool {
	return r.Error != ""
}

type Summary struct {
	RunID             string       `json:"runId"`
	Source            Source       `json:"source"`
	Mode              string       `json:"mode"`
	Total             int          `json:"total"`
	Successful        int          `json:"successful"`
	DonationsCreated  int          `json:"donationsCreated"`
	ReceiptsGenerated int          `json:"receiptsGenerated"`
	ReceiptsSent      int          `json:"receiptsSent"`
	Failed            int          `json:"failed"`
	Truncated         bool         `json:"truncated"`
	Items             []ItemResult `json:"items"`
}

// Add folds one item into the totals.
func (s *Summary) Add(item ItemResult) {
	s.Items = append(s.Items, item)
	s.Total++
	if item.Failed() {
		s.Failed++
	} else {
		s.Successful++
	}
	if item.DonationCreated {
		s.DonationsCreated++
	}
	if item.ReceiptGenerated {
		s.ReceiptsGenerated++
	}
	if item.ReceiptSent {
		s.ReceiptsSent++
	}
}

var (
	ErrInvalidSource  = errors.New("invalid_recovery_source")
	ErrInvalidRequest = errors.New("invalid_recovery_request")
	ErrMissingCSV     = errors.New("recovery_csv_missing")
	ErrRunFailed      = errors.New("recovery_run_failed")
)
