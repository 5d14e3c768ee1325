// Package pricing turns checkout lines into line totals, discount, tax and a
// sale total. It performs no I/O and the same input always yields the same quote.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tokoledger/backend/internal/domain"
)

var maxTaxRate = decimal.NewFromInt(1)

// MaxAmountCents caps any line total and the subtotal. With a tax rate of at
// most one, totals stay far inside int64.
const MaxAmountCents int64 = 1_000_000_000_000_000

type Line struct {
	ProductID              string
	Quantity               int
	UnitPriceCents         int64
	UnitPriceOverrideCents *int64
	LineDiscountCents      int64
}

type Input struct {
	Lines         []Line
	DiscountCents int64
	// TaxRate is a fraction: 0.10 means ten percent.
	TaxRate decimal.Decimal
}

type QuotedLine struct {
	ProductID         string
	Quantity          int
	UnitPriceCents    int64
	Overridden        bool
	LineDiscountCents int64
	LineTotalCents    int64
}

type Quote struct {
	Lines         []QuotedLine
	SubtotalCents int64
	DiscountCents int64
	TaxableCents  int64
	TaxCents      int64
	TotalCents    int64
}

// Calculate prices the input. Line totals and the taxable base are floored
// at zero, so the applied discount never exceeds what it discounts.
func Calculate(in Input) (Quote, error) {
	if len(in.Lines) == 0 {
		return Quote{}, domain.NewValidationError("lines", "at least one line is required")
	}
	if in.DiscountCents < 0 {
		return Quote{}, domain.NewValidationError("discount_cents", "must not be negative")
	}
	if in.TaxRate.IsNegative() || in.TaxRate.GreaterThan(maxTaxRate) {
		return Quote{}, domain.NewValidationError("tax_rate", "must be between 0 and 1")
	}

	quote := Quote{Lines: make([]QuotedLine, 0, len(in.Lines))}
	for i, line := range in.Lines {
		quoted, err := priceLine(i, line)
		if err != nil {
			return Quote{}, err
		}
		quote.Lines = append(quote.Lines, quoted)
		quote.SubtotalCents += quoted.LineTotalCents
		if quote.SubtotalCents > MaxAmountCents {
			return Quote{}, domain.NewValidationError("lines", fmt.Sprintf("subtotal exceeds %d", MaxAmountCents))
		}
	}

	quote.DiscountCents = min(in.DiscountCents, quote.SubtotalCents)
	quote.TaxableCents = quote.SubtotalCents - quote.DiscountCents
	quote.TaxCents = Tax(quote.TaxableCents, in.TaxRate)
	quote.TotalCents = quote.TaxableCents + quote.TaxCents
	return quote, nil
}

func priceLine(index int, line Line) (QuotedLine, error) {
	if strings.TrimSpace(line.ProductID) == "" {
		return QuotedLine{}, &domain.LineError{Line: index, Reason: "product id is required"}
	}
	if line.Quantity <= 0 {
		return QuotedLine{}, &domain.LineError{Line: index, ProductID: line.ProductID, Reason: "quantity must be positive"}
	}
	unit := line.UnitPriceCents
	overridden := false
	if line.UnitPriceOverrideCents != nil {
		unit = *line.UnitPriceOverrideCents
		overridden = true
	}
	if unit < 0 {
		return QuotedLine{}, &domain.LineError{Line: index, ProductID: line.ProductID, Reason: "unit price must not be negative"}
	}
	if line.LineDiscountCents < 0 {
		return QuotedLine{}, &domain.LineError{Line: index, ProductID: line.ProductID, Reason: "line discount must not be negative"}
	}

	if unit > MaxAmountCents/int64(line.Quantity) {
		return QuotedLine{}, &domain.LineError{Line: index, ProductID: line.ProductID, Reason: "line amount is too large"}
	}

	total := unit*int64(line.Quantity) - line.LineDiscountCents
	if total < 0 {
		total = 0
	}
	return QuotedLine{
		ProductID:         line.ProductID,
		Quantity:          line.Quantity,
		UnitPriceCents:    unit,
		Overridden:        overridden,
		LineDiscountCents: line.LineDiscountCents,
		LineTotalCents:    total,
	}, nil
}

// Tax applies rate to a non-negative base and rounds half-up to the minor unit.
func Tax(baseCents int64, rate decimal.Decimal) int64 {
	if baseCents <= 0 || rate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(baseCents).Mul(rate).Round(0).IntPart()
}

// ParseRate reads a decimal fraction such as "0.11". Empty input yields fallback.
func ParseRate(raw string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, domain.NewValidationError("tax_rate", fmt.Sprintf("invalid decimal %q", raw))
	}
	return rate, nil
}
