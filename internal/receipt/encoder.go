// Package receipt builds the canonical Kassenbeleg-V1 process data that gets
// signed by a TSE. The byte output is legally audited: it must be
// deterministic and all money arithmetic is fixed-point.
package receipt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tse-signature-mux/internal/model"
)

// ProcessType is the literal process type of every retail receipt.
const ProcessType = "Kassenbeleg-V1"

// DefaultBonTyp is the receipt class emitted for regular sales.
const DefaultBonTyp = "Beleg"

var (
	ErrUnknownTaxKey        = errors.New("unknown tax rate key")
	ErrUnknownPaymentMethod = errors.New("unknown payment method")
)

// The five tax slots of a Kassenbeleg. Slots 2 and 3 are reserved and always
// emitted as 0.00.
const slotCount = 5

var taxSlot = map[string]int{
	model.TaxRateUST:         0,
	model.TaxRateEUST:        1,
	model.TaxRateNone:        4,
	model.TaxRateTransparent: 4,
}

var paymentArt = map[model.PaymentMethod]string{
	model.PaymentMethodCash:  "Bar",
	model.PaymentMethodSumUp: "Unbar",
	model.PaymentMethodTag:   "Unbar",
}

// LineItem is one position entering the receipt.
type LineItem struct {
	TotalPrice decimal.Decimal
	TaxRateKey string
}

// Encode converts an order's payment method and line items into the
// (process_type, process_data) pair. currency may be empty for EUR.
func Encode(method model.PaymentMethod, items []LineItem, currency string) (string, string, error) {
	var slots [slotCount]decimal.Decimal

	for _, item := range items {
		slot, ok := taxSlot[item.TaxRateKey]
		if !ok {
			return "", "", fmt.Errorf("%w: %q", ErrUnknownTaxKey, item.TaxRateKey)
		}
		slots[slot] = slots[slot].Add(item.TotalPrice)
	}

	art, ok := paymentArt[method]
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, method)
	}

	total := decimal.Zero
	for _, s := range slots {
		total = total.Add(s)
	}

	sums := make([]string, slotCount)
	for i, s := range slots {
		sums[i] = s.StringFixed(2)
	}

	payment := total.StringFixed(2) + ":" + art
	if currency != "" && currency != "EUR" {
		payment += ":" + currency
	}

	processData := DefaultBonTyp + "^" + strings.Join(sums, "_") + "^" + payment
	return ProcessType, processData, nil
}

// Decode parses process data back into its bon type, the five tax slot sums
// and the payment entry. Counterpart of Encode, used by audits and tests.
func Decode(processData string) (bonTyp string, slots [slotCount]decimal.Decimal, payment string, err error) {
	parts := strings.Split(processData, "^")
	if len(parts) != 3 {
		err = fmt.Errorf("malformed process data: expected 3 sections, got %d", len(parts))
		return
	}
	bonTyp = parts[0]
	payment = parts[2]

	sums := strings.Split(parts[1], "_")
	if len(sums) != slotCount {
		err = fmt.Errorf("malformed process data: expected %d tax slots, got %d", slotCount, len(sums))
		return
	}
	for i, s := range sums {
		slots[i], err = decimal.NewFromString(s)
		if err != nil {
			err = fmt.Errorf("malformed tax slot %d: %w", i, err)
			return
		}
	}
	return
}

// FormatAmount renders an amount in the German display format with "." as
// thousands separator and "," as decimal separator, e.g. 1234.5 -> 1.234,50.
func FormatAmount(d decimal.Decimal) string {
	fixed := d.StringFixed(2)

	neg := strings.HasPrefix(fixed, "-")
	fixed = strings.TrimPrefix(fixed, "-")

	intPart, fracPart, _ := strings.Cut(fixed, ".")

	var groups []string
	for len(intPart) > 3 {
		groups = append([]string{intPart[len(intPart)-3:]}, groups...)
		intPart = intPart[:len(intPart)-3]
	}
	groups = append([]string{intPart}, groups...)

	out := strings.Join(groups, ".") + "," + fracPart
	if neg {
		out = "-" + out
	}
	return out
}
