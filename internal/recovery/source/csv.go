package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	processordomain "github.com/smallbiznis/donorrecon/internal/processor/domain"
)

var (
	ErrEmptyExport   = errors.New("csv_export_empty")
	ErrMissingColumn = errors.New("csv_export_missing_column")
)

const (
	colID            = "id"
	colPaymentIntent = "payment_intent"
	colEmail         = "customer_email"
	colAmount        = "amount"
	colCurrency      = "currency"
	colCreated       = "created"
	colStatus        = "status"
	colDescription   = "description"
	colInvoice       = "invoice"
	colSubscription  = "subscription"
)

var requiredColumns = []string{colID, colAmount, colCurrency, colCreated, colStatus}

// headerAliases maps dashboard export headings onto the canonical columns.
var headerAliases = map[string]string{
	"paymentintent_id":  colPaymentIntent,
	"payment_intent_id": colPaymentIntent,
	"email":             colEmail,
	"created_utc":       colCreated,
	"created_date_utc":  colCreated,
	"invoice_id":        colInvoice,
	"subscription_id":   colSubscription,
}

var createdLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Row is one parsed export line. Err is set when the line could not be read
// as a charge; Line is 1-based and counts the header.
type Row struct {
	Line   int
	Charge processordomain.Charge
	Err    error
}

// ParseCharges reads a processor payments export. A malformed row does not
// stop parsing; it is returned with Err set. Only a missing header or a
// missing required column fails the whole export.
func ParseCharges(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyExport
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	index := map[string]int{}
	for i, name := range header {
		key := normalizeHeader(name)
		if alias, ok := headerAliases[key]; ok {
			key = alias
		}
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	rows := []Row{}
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return nil, fmt.Errorf("read csv: %w", err)
			}
			rows = append(rows, Row{Line: parseErr.Line, Err: err})
			continue
		}
		line, _ := reader.FieldPos(0)
		if blank(fields) {
			continue
		}
		get := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(fields) {
				return ""
			}
			return strings.TrimSpace(fields[i])
		}
		charge, err := toCharge(get)
		rows = append(rows, Row{Line: line, Charge: charge, Err: err})
	}
	return rows, nil
}

func toCharge(get func(string) string) (processordomain.Charge, error) {
	charge := processordomain.Charge{
		ID:              get(colID),
		PaymentIntentID: get(colPaymentIntent),
		InvoiceID:       get(colInvoice),
		SubscriptionID:  get(colSubscription),
		Email:           processordomain.NormalizeEmail(get(colEmail)),
		Currency:        strings.ToLower(get(colCurrency)),
		Description:     get(colDescription),
	}
	if charge.ID == "" {
		return charge, errors.New("missing charge id")
	}
	if charge.Currency == "" {
		return charge, fmt.Errorf("charge %s: missing currency", charge.ID)
	}

	amount, err := decimal.NewFromString(strings.ReplaceAll(get(colAmount), ",", ""))
	if err != nil {
		return charge, fmt.Errorf("charge %s: invalid amount %q", charge.ID, get(colAmount))
	}
	if !amount.IsPositive() {
		return charge, fmt.Errorf("charge %s: amount must be positive", charge.ID)
	}
	charge.Amount = processordomain.MinorUnits(amount, charge.Currency)

	created, err := parseCreated(get(colCreated))
	if err != nil {
		return charge, fmt.Errorf("charge %s: %w", charge.ID, err)
	}
	charge.Created = created

	switch status := strings.ToLower(get(colStatus)); status {
	case "paid", "succeeded":
		charge.Status = processordomain.ChargeSucceeded
	case "refunded", "partially refunded", "partially_refunded":
		charge.Status = processordomain.ChargeSucceeded
		charge.Refunded = true
	default:
		charge.Status = processordomain.ChargeStatus(status)
	}
	return charge, nil
}

func parseCreated(raw string) (time.Time, error) {
	for _, layout := range createdLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid created time %q", raw)
}

func normalizeHeader(name string) string {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	name = strings.NewReplacer("(", "", ")", "", " ", "_", "-", "_").Replace(name)
	return name
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
