package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPaymentsConfigIsValid(t *testing.T) {
	cfg := DefaultPaymentsConfig()
	assert.NoError(t, ValidatePaymentsConfig(cfg))
	assert.Equal(t, "3.5", cfg.Fees.PlatformRate().String())
	assert.Equal(t, 90, cfg.Reconcile.LookbackDays)
	assert.Equal(t, 365, cfg.Commission.AttributionWindowDays)
}

func TestValidatePaymentsConfigRejectsBadRates(t *testing.T) {
	cfg := DefaultPaymentsConfig()
	cfg.Fees.PlatformPct = 100
	assert.Error(t, ValidatePaymentsConfig(cfg))

	cfg = DefaultPaymentsConfig()
	cfg.Instant.ProviderPct = 60
	cfg.Instant.MarkupPct = 40
	assert.Error(t, ValidatePaymentsConfig(cfg))

	cfg = DefaultPaymentsConfig()
	cfg.Reconcile.LookbackDays = 0
	assert.Error(t, ValidatePaymentsConfig(cfg))
}

func TestStaticHolderServesConfig(t *testing.T) {
	cfg := DefaultPaymentsConfig()
	cfg.Fees.PlatformFixed = 45
	holder := NewStaticPaymentsConfigHolder(cfg)
	assert.Equal(t, int64(45), holder.Get().Fees.PlatformFixed)
}
