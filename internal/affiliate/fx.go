package affiliate

import (
	affiliatedomain "github.com/smallbiznis/connectpay/internal/affiliate/domain"
	"github.com/smallbiznis/connectpay/internal/affiliate/repository"
	"github.com/smallbiznis/connectpay/internal/affiliate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("affiliate.commission",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(
		service.NewService,
		fx.As(new(affiliatedomain.Service)),
	)),
)
