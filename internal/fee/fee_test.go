package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePlatformFeeHundredDollars(t *testing.T) {
	got, err := ComputePlatformFee(10000, decimal.RequireFromString("3.5"), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(380), got.FeeAmount)
	assert.Equal(t, int64(9620), got.NetAmount)
}

func TestComputePlatformFeeHeldChargesNetTotal(t *testing.T) {
	rate := decimal.RequireFromString("3.5")
	var total int64
	for _, tc := range []struct {
		amount int64
		net    int64
	}{
		{5000, 4795},
		{3000, 2865},
		{2000, 1900},
	} {
		got, err := ComputePlatformFee(tc.amount, rate, 30)
		require.NoError(t, err)
		assert.Equal(t, tc.net, got.NetAmount, "amount %d", tc.amount)
		total += got.NetAmount
	}
	assert.Equal(t, int64(9560), total)
}

func TestComputePlatformFeeConservesAmount(t *testing.T) {
	rates := []string{"0", "0.5", "2.9", "3.5", "10", "33.333", "99.99"}
	for _, raw := range rates {
		rate := decimal.RequireFromString(raw)
		for _, amount := range []int64{1, 7, 99, 999, 10000, 123457} {
			for _, fixed := range []int64{0, 30} {
				got, err := ComputePlatformFee(amount, rate, fixed)
				require.NoError(t, err)
				assert.Equal(t, amount, got.FeeAmount+got.NetAmount)
			}
		}
	}
}

func TestComputePlatformFeeRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		amount int64
		rate   string
		fixed  int64
		want   error
	}{
		{"zero amount", 0, "3.5", 30, ErrInvalidAmount},
		{"negative amount", -100, "3.5", 30, ErrInvalidAmount},
		{"negative rate", 100, "-1", 30, ErrInvalidRate},
		{"rate at hundred", 100, "100", 0, ErrInvalidRate},
		{"negative fixed", 100, "3.5", -1, ErrInvalidFixedFee},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputePlatformFee(tc.amount, decimal.RequireFromString(tc.rate), tc.fixed)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestPercentRoundsHalfUp(t *testing.T) {
	assert.Equal(t, int64(250), Percent(999, decimal.NewFromInt(25)))
	assert.Equal(t, int64(1), Percent(10, decimal.NewFromInt(5)))
	assert.Equal(t, int64(0), Percent(9, decimal.NewFromInt(5)))
}

func TestComputeInstantPayoutFeeAppliesCurrencyFloor(t *testing.T) {
	calc := NewStaticCalculator(DefaultFloors())

	small, err := calc.ComputeInstantPayoutFee(1000, decimal.RequireFromString("1.5"), decimal.NewFromInt(1), 25, "USD")
	require.NoError(t, err)
	assert.True(t, small.ProviderFloorApplied)
	assert.Equal(t, int64(50), small.ProviderFee)
	assert.Equal(t, int64(35), small.PlatformMarkupFee)
	assert.Equal(t, int64(85), small.TotalFee)
	assert.Equal(t, int64(915), small.NetPayout)
	assert.Equal(t, "usd", small.Currency)

	large, err := calc.ComputeInstantPayoutFee(100000, decimal.RequireFromString("1.5"), decimal.Zero, 0, "gbp")
	require.NoError(t, err)
	assert.False(t, large.ProviderFloorApplied)
	assert.Equal(t, int64(1500), large.ProviderFee)
	assert.Equal(t, int64(98500), large.NetPayout)
}

func TestComputeInstantPayoutFeeUnknownCurrencyUsesDefaultFloor(t *testing.T) {
	calc := NewStaticCalculator(DefaultFloors())
	got, err := calc.ComputeInstantPayoutFee(500, decimal.RequireFromString("1.5"), decimal.Zero, 0, "xyz")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.ProviderFee)

	_, err = calc.ComputeInstantPayoutFee(500, decimal.RequireFromString("1.5"), decimal.Zero, 0, "us")
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestComputeMinimumPayoutAmountYieldsPositiveNet(t *testing.T) {
	calc := NewStaticCalculator(DefaultFloors())
	cases := []struct {
		provider string
		markup   string
		fixed    int64
		currency string
	}{
		{"1.5", "0", 0, "usd"},
		{"1.5", "1", 25, "usd"},
		{"1", "0.5", 10, "huf"},
		{"50", "49", 0, "eur"},
		{"0", "0", 0, "czk"},
	}
	for _, tc := range cases {
		provider := decimal.RequireFromString(tc.provider)
		markup := decimal.RequireFromString(tc.markup)

		minAmount, err := calc.ComputeMinimumPayoutAmount(provider, markup, tc.fixed, tc.currency)
		require.NoError(t, err)

		breakdown, err := calc.ComputeInstantPayoutFee(minAmount, provider, markup, tc.fixed, tc.currency)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, breakdown.NetPayout, MinimumNetPayout, "%+v", tc)
	}
}

func TestComputeMinimumPayoutAmountClosedForm(t *testing.T) {
	calc := NewStaticCalculator(DefaultFloors())
	// ceil((50 + 0 + 1) / 0.985) = 52
	got, err := calc.ComputeMinimumPayoutAmount(decimal.RequireFromString("1.5"), decimal.Zero, 0, "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(52), got)
}

func TestComputeMinimumPayoutAmountRejectsCombinedRate(t *testing.T) {
	calc := NewStaticCalculator(DefaultFloors())
	_, err := calc.ComputeMinimumPayoutAmount(decimal.NewFromInt(60), decimal.NewFromInt(40), 0, "usd")
	assert.ErrorIs(t, err, ErrCombinedRateTooHigh)
	assert.ErrorIs(t, err, errs.ErrValidation)
}
