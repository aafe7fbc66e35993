package payout

import (
	"github.com/smallbiznis/connectpay/internal/payout/repository"
	"github.com/smallbiznis/connectpay/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.batch",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
