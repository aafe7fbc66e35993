package pdf

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

const dateLayout = "Jan 2, 2006"

var ErrEmptyStatement = errors.New("empty_statement")

type MarotoRenderer struct{}

func New() Renderer {
	return &MarotoRenderer{}
}

func (r *MarotoRenderer) RenderPayoutStatement(ctx context.Context, data StatementData) ([]byte, error) {
	if strings.TrimSpace(data.BatchReference) == "" {
		return nil, ErrEmptyStatement
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Affiliate payout statement", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, strings.ToUpper(data.Status), props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(30,
		col.New(6).Add(
			text.New(data.AffiliateName, props.Text{Style: fontstyle.Bold}),
			text.New("Code: "+data.AffiliateCode, props.Text{Top: 5}),
			text.New("Reference: "+data.BatchReference, props.Text{Top: 10, Size: 8}),
		),
		col.New(6).Add(
			text.New("Period: "+formatPeriod(data), props.Text{Align: align.Right}),
			text.New("Paid: "+formatOptionalDate(data), props.Text{Top: 5, Align: align.Right}),
			text.New("Transfer: "+orDash(data.TransferID), props.Text{Top: 10, Size: 8, Align: align.Right}),
		),
	)

	if data.FailureReason != "" {
		m.AddRow(12,
			text.NewCol(12, "Transfer failed: "+data.FailureReason, props.Text{Size: 9, Top: 2}),
		)
	}

	header := props.Text{Style: fontstyle.Bold, Size: 9}
	headerRight := props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}
	m.AddRow(10,
		text.NewCol(3, "Approved", header),
		text.NewCol(3, "Type", header),
		text.NewCol(2, "Source", header),
		text.NewCol(2, "Source amount", headerRight),
		text.NewCol(2, "Commission", headerRight),
	)

	cell := props.Text{Size: 8}
	cellRight := props.Text{Size: 8, Align: align.Right}
	for _, line := range data.Lines {
		approved := "-"
		if line.ApprovedAt != nil {
			approved = line.ApprovedAt.UTC().Format(dateLayout)
		}
		m.AddRow(8,
			text.NewCol(3, approved, cell),
			text.NewCol(3, strings.ReplaceAll(line.Type, "_", " "), cell),
			text.NewCol(2, line.Source, cell),
			text.NewCol(2, FormatMinor(line.SourceAmount, data.Currency), cellRight),
			text.NewCol(2, FormatMinor(line.Amount, data.Currency), cellRight),
		)
	}

	m.AddRow(12,
		col.New(8),
		text.NewCol(2, "Total", props.Text{Style: fontstyle.Bold, Size: 10, Top: 3}),
		text.NewCol(2, FormatMinor(data.Total, data.Currency), props.Text{Style: fontstyle.Bold, Size: 10, Top: 3, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("render payout statement: %w", err)
	}
	return doc.GetBytes(), nil
}

// FormatMinor renders a two-decimal minor unit amount, e.g. 9560 usd as "95.60 USD".
func FormatMinor(amount int64, currency string) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(currency))
}

func formatPeriod(data StatementData) string {
	return data.PeriodStart.UTC().Format(dateLayout) + " - " + data.PeriodEnd.UTC().Format(dateLayout)
}

func formatOptionalDate(data StatementData) string {
	if data.CompletedAt == nil || data.TransferID == "" {
		return "-"
	}
	return data.CompletedAt.UTC().Format(dateLayout)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
