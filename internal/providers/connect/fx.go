package connect

import (
	"github.com/smallbiznis/connectpay/internal/config"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	"github.com/smallbiznis/connectpay/internal/providers/connect/domain"
	"github.com/smallbiznis/connectpay/internal/providers/connect/stripe"
	"github.com/smallbiznis/connectpay/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("connect.provider",
	fx.Provide(retry.DefaultPolicy),
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Policy  retry.Policy
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewClient(p Params) (domain.Client, error) {
	switch p.Config.Provider.Name {
	case stripe.ProviderName, "":
		inner := stripe.NewClient(stripe.Config{
			SecretKey: p.Config.Provider.SecretKey,
			BaseURL:   p.Config.Provider.APIBaseURL,
			Timeout:   p.Config.Provider.RequestTimeout,
		})
		if p.Config.Provider.SecretKey == "" {
			p.Log.Warn("payment provider secret key is not set; provider calls will fail")
		}
		return NewRetryingClient(inner, p.Policy, p.Log, p.Metrics), nil
	default:
		return nil, domain.ErrInvalidConfig
	}
}
