package fee

import (
	"github.com/smallbiznis/connectpay/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("fee.calculator",
	fx.Provide(func(holder *config.PaymentsConfigHolder) *Calculator {
		return NewCalculator(func() Floors {
			instant := holder.Get().Instant
			return Floors{ByCurrency: instant.CurrencyFloors, Default: instant.DefaultFloor}
		})
	}),
)
