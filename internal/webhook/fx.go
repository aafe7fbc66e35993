package webhook

import (
	"github.com/smallbiznis/connectpay/internal/clock"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/webhook/parsers"
	"github.com/smallbiznis/connectpay/internal/webhook/repository"
	"github.com/smallbiznis/connectpay/internal/webhook/service"
	"github.com/smallbiznis/connectpay/internal/webhook/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.ingest",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, clk clock.Clock) *parsers.Registry {
		return parsers.NewRegistry(
			stripe.NewParser(cfg.Provider.WebhookSecret, stripe.DefaultTolerance, clk.Now),
		)
	}),
	fx.Provide(service.NewService),
)
