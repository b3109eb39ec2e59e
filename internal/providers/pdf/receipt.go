package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrInvalidReceipt = errors.New("invalid_receipt_data")

// ReceiptData is the pre-formatted content of a donation receipt. Amounts are
// rendered strings; the PDF layer does no money math.
type ReceiptData struct {
	OrgName  string
	OrgEmail string

	Number    string
	IssuedOn  string
	DonorName string
	Email     string
	Kind      string
	Frequency string
	Amount    string
	Reference string
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	if strings.TrimSpace(data.Number) == "" || strings.TrimSpace(data.Amount) == "" {
		return nil, ErrInvalidReceipt
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(30,
		text.NewCol(8, "Donation receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.OrgName, props.Text{
			Size:  11,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+data.Number, props.Text{Top: 0}),
			text.New("Issued: "+data.IssuedOn, props.Text{Top: 4}),
			text.New("Reference: "+data.Reference, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New(data.OrgEmail, props.Text{Align: align.Right}),
		),
	)

	donor := data.DonorName
	if donor == "" {
		donor = data.Email
	}
	m.AddRow(20,
		col.New(12).Add(
			text.New("Received from", props.Text{Style: fontstyle.Bold}),
			text.New(donor, props.Text{Top: 5}),
			text.New(data.Email, props.Text{Top: 9}),
		),
	)

	m.AddRow(10,
		text.NewCol(8, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(4, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	m.AddRow(12,
		text.NewCol(8, describe(data), props.Text{Size: 9}),
		text.NewCol(4, data.Amount, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(12,
		col.New(8),
		text.NewCol(4, "Total "+data.Amount, props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right}),
	)

	m.AddRow(20,
		text.NewCol(12, "No goods or services were provided in exchange for this contribution.", props.Text{
			Size: 8,
			Top:  8,
		}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

func describe(data ReceiptData) string {
	kind := data.Kind
	if kind == "" {
		kind = "donation"
	}
	if data.Frequency == "monthly" {
		return "Monthly " + kind
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}
