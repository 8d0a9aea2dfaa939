package receipt

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tse-signature-mux/internal/model"
)

func items(pairs ...any) []LineItem {
	var out []LineItem
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, LineItem{
			TotalPrice: decimal.RequireFromString(pairs[i].(string)),
			TaxRateKey: pairs[i+1].(string),
		})
	}
	return out
}

func TestEncode_HappyPath(t *testing.T) {
	processType, processData, err := Encode(
		model.PaymentMethodCash,
		items("3.00", model.TaxRateUST, "2.00", model.TaxRateNone),
		"EUR",
	)
	require.NoError(t, err)
	assert.Equal(t, "Kassenbeleg-V1", processType)
	assert.Equal(t, "Beleg^3.00_0.00_0.00_0.00_2.00^5.00:Bar", processData)
}

func TestEncode_SlotMapping(t *testing.T) {
	testCases := []struct {
		name     string
		method   model.PaymentMethod
		items    []LineItem
		currency string
		expected string
	}{
		{
			name:     "eust goes to slot 1",
			method:   model.PaymentMethodCash,
			items:    items("1.50", model.TaxRateEUST),
			expected: "Beleg^0.00_1.50_0.00_0.00_0.00^1.50:Bar",
		},
		{
			name:     "transparent shares slot 4 with none",
			method:   model.PaymentMethodCash,
			items:    items("1.00", model.TaxRateNone, "2.50", model.TaxRateTransparent),
			expected: "Beleg^0.00_0.00_0.00_0.00_3.50^3.50:Bar",
		},
		{
			name:     "sumup is unbar",
			method:   model.PaymentMethodSumUp,
			items:    items("4.20", model.TaxRateUST),
			expected: "Beleg^4.20_0.00_0.00_0.00_0.00^4.20:Unbar",
		},
		{
			name:     "tag is unbar",
			method:   model.PaymentMethodTag,
			items:    items("0.50", model.TaxRateUST),
			expected: "Beleg^0.50_0.00_0.00_0.00_0.00^0.50:Unbar",
		},
		{
			name:     "foreign currency is appended",
			method:   model.PaymentMethodCash,
			items:    items("9.99", model.TaxRateUST),
			currency: "CHF",
			expected: "Beleg^9.99_0.00_0.00_0.00_0.00^9.99:Bar:CHF",
		},
		{
			name:     "empty order still emits all slots",
			method:   model.PaymentMethodCash,
			items:    nil,
			expected: "Beleg^0.00_0.00_0.00_0.00_0.00^0.00:Bar",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, processData, err := Encode(tc.method, tc.items, tc.currency)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, processData)
		})
	}
}

func TestEncode_Deterministic(t *testing.T) {
	in := items("3.00", model.TaxRateUST, "2.00", model.TaxRateNone, "0.10", model.TaxRateEUST)
	_, first, err := Encode(model.PaymentMethodCash, in, "EUR")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, again, err := Encode(model.PaymentMethodCash, in, "EUR")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEncode_UnknownTaxKey(t *testing.T) {
	_, _, err := Encode(model.PaymentMethodCash, items("1.00", "bogus"), "EUR")
	require.ErrorIs(t, err, ErrUnknownTaxKey)
	assert.Contains(t, err.Error(), "bogus")
}

func TestEncode_UnknownPaymentMethod(t *testing.T) {
	_, _, err := Encode(model.PaymentMethod("paypal"), items("1.00", model.TaxRateUST), "EUR")
	require.ErrorIs(t, err, ErrUnknownPaymentMethod)
}

func TestDecode_RoundTrip(t *testing.T) {
	in := items(
		"3.00", model.TaxRateUST,
		"1.10", model.TaxRateEUST,
		"2.00", model.TaxRateNone,
		"0.90", model.TaxRateTransparent,
	)
	_, processData, err := Encode(model.PaymentMethodCash, in, "EUR")
	require.NoError(t, err)

	bonTyp, slots, payment, err := Decode(processData)
	require.NoError(t, err)
	assert.Equal(t, "Beleg", bonTyp)
	assert.Equal(t, "7.00:Bar", payment)

	assert.True(t, slots[0].Equal(decimal.RequireFromString("3.00")))
	assert.True(t, slots[1].Equal(decimal.RequireFromString("1.10")))
	assert.True(t, slots[2].IsZero())
	assert.True(t, slots[3].IsZero())
	assert.True(t, slots[4].Equal(decimal.RequireFromString("2.90")))

	// Slot sums add up to the line item sum without rounding loss.
	total := decimal.Zero
	for _, s := range slots {
		total = total.Add(s)
	}
	assert.True(t, total.Equal(decimal.RequireFromString("7.00")))
}

func TestDecode_Malformed(t *testing.T) {
	_, _, _, err := Decode("Beleg^1.00_2.00^1.00:Bar")
	assert.Error(t, err)
	_, _, _, err = Decode("no separators at all")
	assert.Error(t, err)
	_, _, _, err = Decode("Beleg^a_b_c_d_e^1.00:Bar")
	assert.Error(t, err)
}

func TestFormatAmount(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
	}{
		{"0", "0,00"},
		{"3.5", "3,50"},
		{"1234.56", "1.234,56"},
		{"1234567.8", "1.234.567,80"},
		{"-1234.56", "-1.234,56"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, FormatAmount(decimal.RequireFromString(tc.in)), "input %s", tc.in)
	}
}
