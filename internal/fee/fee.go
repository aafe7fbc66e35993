package fee

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/connectpay/internal/errs"
)

var (
	ErrInvalidAmount       = errs.Invalid("amount", "invalid_amount")
	ErrInvalidRate         = errs.Invalid("pct_rate", "invalid_pct_rate")
	ErrInvalidFixedFee     = errs.Invalid("fixed_fee", "invalid_fixed_fee")
	ErrInvalidCurrency     = errs.Invalid("currency", "invalid_currency")
	ErrCombinedRateTooHigh = errs.Invalid("pct_rate", "combined_rate_too_high")
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// MinimumNetPayout is the smallest net amount, in minor units, a payout may yield.
const MinimumNetPayout int64 = 1

// PlatformFee is the platform cut of a single charge.
type PlatformFee struct {
	FeeAmount int64 `json:"fee_amount"`
	NetAmount int64 `json:"net_amount"`
}

// InstantPayoutBreakdown itemizes the fees charged on an instant payout.
type InstantPayoutBreakdown struct {
	Amount               int64  `json:"amount"`
	Currency             string `json:"currency"`
	ProviderFee          int64  `json:"provider_fee"`
	ProviderFloorApplied bool   `json:"provider_floor_applied"`
	PlatformMarkupFee    int64  `json:"platform_markup_fee"`
	TotalFee             int64  `json:"total_fee"`
	NetPayout            int64  `json:"net_payout"`
}

// Percent returns amount*pct/100 rounded half-up to the minor unit.
func Percent(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// ComputePlatformFee returns amount*pctRate/100 + fixedFee and the remainder.
// FeeAmount + NetAmount always equals amount.
func ComputePlatformFee(amount int64, pctRate decimal.Decimal, fixedFee int64) (PlatformFee, error) {
	if amount <= 0 {
		return PlatformFee{}, ErrInvalidAmount
	}
	if !validRate(pctRate) {
		return PlatformFee{}, ErrInvalidRate
	}
	if fixedFee < 0 {
		return PlatformFee{}, ErrInvalidFixedFee
	}

	feeAmount := Percent(amount, pctRate) + fixedFee
	return PlatformFee{
		FeeAmount: feeAmount,
		NetAmount: amount - feeAmount,
	}, nil
}

// Calculator computes instant payout fees against a currency floor schedule.
type Calculator struct {
	floors func() Floors
}

func NewCalculator(floors func() Floors) *Calculator {
	if floors == nil {
		floors = DefaultFloors
	}
	return &Calculator{floors: floors}
}

func NewStaticCalculator(f Floors) *Calculator {
	return NewCalculator(func() Floors { return f })
}

// ComputePlatformFee delegates to the package function.
func (c *Calculator) ComputePlatformFee(amount int64, pctRate decimal.Decimal, fixedFee int64) (PlatformFee, error) {
	return ComputePlatformFee(amount, pctRate, fixedFee)
}

// ComputeInstantPayoutFee combines the provider fee (a percentage with a
// per-currency floor) with the platform markup.
func (c *Calculator) ComputeInstantPayoutFee(
	amount int64,
	providerPct decimal.Decimal,
	markupPct decimal.Decimal,
	markupFixed int64,
	currency string,
) (InstantPayoutBreakdown, error) {
	if amount <= 0 {
		return InstantPayoutBreakdown{}, ErrInvalidAmount
	}
	if !validRate(providerPct) || !validRate(markupPct) {
		return InstantPayoutBreakdown{}, ErrInvalidRate
	}
	if markupFixed < 0 {
		return InstantPayoutBreakdown{}, ErrInvalidFixedFee
	}
	currency, ok := NormalizeCurrency(currency)
	if !ok {
		return InstantPayoutBreakdown{}, ErrInvalidCurrency
	}

	floor := c.floors().For(currency)
	providerFee := Percent(amount, providerPct)
	floorApplied := false
	if providerFee < floor {
		providerFee = floor
		floorApplied = true
	}
	markupFee := Percent(amount, markupPct) + markupFixed
	total := providerFee + markupFee

	return InstantPayoutBreakdown{
		Amount:               amount,
		Currency:             currency,
		ProviderFee:          providerFee,
		ProviderFloorApplied: floorApplied,
		PlatformMarkupFee:    markupFee,
		TotalFee:             total,
		NetPayout:            amount - total,
	}, nil
}

// ComputeMinimumPayoutAmount returns the smallest instant payout request whose
// net payout is at least MinimumNetPayout:
//
//	ceil((floor + markupFixed + 1) / (1 - (providerPct+markupPct)/100))
//
// The closed form ignores per-fee rounding, so the result is checked against
// ComputeInstantPayoutFee and raised until it holds.
func (c *Calculator) ComputeMinimumPayoutAmount(
	providerPct decimal.Decimal,
	markupPct decimal.Decimal,
	markupFixed int64,
	currency string,
) (int64, error) {
	if !validRate(providerPct) || !validRate(markupPct) {
		return 0, ErrInvalidRate
	}
	combined := providerPct.Add(markupPct)
	if combined.GreaterThanOrEqual(hundred) {
		return 0, ErrCombinedRateTooHigh
	}
	if markupFixed < 0 {
		return 0, ErrInvalidFixedFee
	}
	currency, ok := NormalizeCurrency(currency)
	if !ok {
		return 0, ErrInvalidCurrency
	}

	floor := c.floors().For(currency)
	numerator := decimal.NewFromInt(floor + markupFixed + MinimumNetPayout)
	denominator := one.Sub(combined.Div(hundred))
	minAmount := numerator.Div(denominator).Ceil().IntPart()
	if minAmount < 1 {
		minAmount = 1
	}

	for {
		breakdown, err := c.ComputeInstantPayoutFee(minAmount, providerPct, markupPct, markupFixed, currency)
		if err != nil {
			return 0, err
		}
		if breakdown.NetPayout >= MinimumNetPayout {
			return minAmount, nil
		}
		minAmount++
	}
}

// NormalizeCurrency lowercases a three letter ISO currency code.
func NormalizeCurrency(currency string) (string, bool) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return "", false
	}
	for _, r := range currency {
		if r < 'a' || r > 'z' {
			return "", false
		}
	}
	return currency, true
}

func validRate(pct decimal.Decimal) bool {
	return !pct.IsNegative() && pct.LessThan(hundred)
}
