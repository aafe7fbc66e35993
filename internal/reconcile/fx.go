package reconcile

import (
	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	reconciledomain "github.com/smallbiznis/connectpay/internal/reconcile/domain"
	"github.com/smallbiznis/connectpay/internal/reconcile/repository"
	"github.com/smallbiznis/connectpay/internal/reconcile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.reconciler",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(
		service.NewService,
		fx.As(new(reconciledomain.Service)),
		fx.As(new(accountdomain.ActivationListener)),
	)),
)
