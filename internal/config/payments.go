package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PaymentsConfig is the hot-reloadable money policy: platform fees, instant
// payout pricing, affiliate commission defaults and reconciliation bounds.
type PaymentsConfig struct {
	Fees       FeePolicy        `mapstructure:"fees"`
	Instant    InstantPolicy    `mapstructure:"instant"`
	Commission CommissionPolicy `mapstructure:"commission"`
	Reconcile  ReconcilePolicy  `mapstructure:"reconcile"`
}

type FeePolicy struct {
	PlatformPct   float64 `mapstructure:"platformPct"`
	PlatformFixed int64   `mapstructure:"platformFixed"`
}

type InstantPolicy struct {
	ProviderPct    float64          `mapstructure:"providerPct"`
	MarkupPct      float64          `mapstructure:"markupPct"`
	MarkupFixed    int64            `mapstructure:"markupFixed"`
	CurrencyFloors map[string]int64 `mapstructure:"currencyFloors"`
	DefaultFloor   int64            `mapstructure:"defaultFloor"`
}

type CommissionPolicy struct {
	DefaultRatePct          float64 `mapstructure:"defaultRatePct"`
	DefaultPlatformSharePct float64 `mapstructure:"defaultPlatformSharePct"`
	DefaultPayoutThreshold  int64   `mapstructure:"defaultPayoutThreshold"`
	AttributionWindowDays   int     `mapstructure:"attributionWindowDays"`
	ReferralBonusAmount     int64   `mapstructure:"referralBonusAmount"`
	MinimumCommission       int64   `mapstructure:"minimumCommission"`
	Currency                string  `mapstructure:"currency"`
}

type ReconcilePolicy struct {
	LookbackDays int `mapstructure:"lookbackDays"`
	SweepLimit   int `mapstructure:"sweepLimit"`
}

func DefaultPaymentsConfig() PaymentsConfig {
	return PaymentsConfig{
		Fees: FeePolicy{
			PlatformPct:   3.5,
			PlatformFixed: 30,
		},
		Instant: InstantPolicy{
			ProviderPct: 1.5,
			MarkupPct:   0,
			MarkupFixed: 0,
			CurrencyFloors: map[string]int64{
				"usd": 50, "cad": 60, "sgd": 50, "gbp": 40, "aud": 50, "eur": 40,
				"czk": 1000, "dkk": 500, "huf": 20000, "nok": 500, "pln": 200,
				"ron": 200, "sek": 500, "nzd": 50, "myr": 200, "aed": 200,
			},
			DefaultFloor: 50,
		},
		Commission: CommissionPolicy{
			DefaultRatePct:          25,
			DefaultPlatformSharePct: 10,
			DefaultPayoutThreshold:  2500,
			AttributionWindowDays:   365,
			ReferralBonusAmount:     500,
			MinimumCommission:       1,
			Currency:                "usd",
		},
		Reconcile: ReconcilePolicy{
			LookbackDays: 90,
			SweepLimit:   100,
		},
	}
}

func (p FeePolicy) PlatformRate() decimal.Decimal {
	return decimal.NewFromFloat(p.PlatformPct)
}

func (p InstantPolicy) ProviderRate() decimal.Decimal {
	return decimal.NewFromFloat(p.ProviderPct)
}

func (p InstantPolicy) MarkupRate() decimal.Decimal {
	return decimal.NewFromFloat(p.MarkupPct)
}

func (p CommissionPolicy) DefaultRate() decimal.Decimal {
	return decimal.NewFromFloat(p.DefaultRatePct)
}

func (p CommissionPolicy) DefaultPlatformShare() decimal.Decimal {
	return decimal.NewFromFloat(p.DefaultPlatformSharePct)
}

// PaymentsConfigHolder serves the latest valid PaymentsConfig.
type PaymentsConfigHolder struct {
	current atomic.Value // holds PaymentsConfig
}

// NewStaticPaymentsConfigHolder returns a holder that never reloads.
func NewStaticPaymentsConfigHolder(cfg PaymentsConfig) *PaymentsConfigHolder {
	holder := &PaymentsConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPaymentsConfigHolder(log *zap.Logger) (*PaymentsConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("payments.config")

	v := viper.New()

	v.SetConfigName("payments")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/connectpay/config") // Volume-mounted config
	v.AddConfigPath("/etc/connectpay")            // System config
	v.AddConfigPath(".")                          // Current directory (dev mode)

	v.SetEnvPrefix("CONNECTPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PaymentsConfigHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("payments config file not found, using defaults")
		holder.current.Store(DefaultPaymentsConfig())
		return holder, nil
	}

	cfg, err := decodePayments(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePayments(v)
		if err != nil {
			log.Warn("payments config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("payments config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PaymentsConfigHolder) Get() PaymentsConfig {
	return h.current.Load().(PaymentsConfig)
}

func decodePayments(v *viper.Viper) (PaymentsConfig, error) {
	cfg := DefaultPaymentsConfig()
	if err := v.UnmarshalKey("payments", &cfg); err != nil {
		return PaymentsConfig{}, err
	}
	if err := ValidatePaymentsConfig(cfg); err != nil {
		return PaymentsConfig{}, err
	}
	return cfg, nil
}

func ValidatePaymentsConfig(cfg PaymentsConfig) error {
	if cfg.Fees.PlatformPct < 0 || cfg.Fees.PlatformPct >= 100 {
		return fmt.Errorf("payments.fees.platformPct must be in [0,100), got %v", cfg.Fees.PlatformPct)
	}
	if cfg.Fees.PlatformFixed < 0 {
		return errors.New("payments.fees.platformFixed cannot be negative")
	}
	if cfg.Instant.ProviderPct < 0 || cfg.Instant.MarkupPct < 0 || cfg.Instant.ProviderPct+cfg.Instant.MarkupPct >= 100 {
		return errors.New("payments.instant combined rate must be in [0,100)")
	}
	if cfg.Commission.DefaultRatePct < 0 || cfg.Commission.DefaultRatePct > 100 {
		return errors.New("payments.commission.defaultRatePct must be in [0,100]")
	}
	if cfg.Commission.DefaultPlatformSharePct < 0 || cfg.Commission.DefaultPlatformSharePct > 100 {
		return errors.New("payments.commission.defaultPlatformSharePct must be in [0,100]")
	}
	if cfg.Commission.AttributionWindowDays <= 0 {
		return errors.New("payments.commission.attributionWindowDays must be positive")
	}
	if cfg.Commission.MinimumCommission < 1 {
		return errors.New("payments.commission.minimumCommission must be at least 1")
	}
	if cfg.Reconcile.LookbackDays <= 0 {
		return errors.New("payments.reconcile.lookbackDays must be positive")
	}
	return nil
}
