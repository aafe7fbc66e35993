package payment

import (
	"github.com/smallbiznis/connectpay/internal/payment/repository"
	"github.com/smallbiznis/connectpay/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.router",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
