package account

import (
	"context"

	accountdomain "github.com/smallbiznis/connectpay/internal/account/domain"
	"github.com/smallbiznis/connectpay/internal/account/repository"
	"github.com/smallbiznis/connectpay/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.provisioner",
	fx.Provide(repository.Provide),
	fx.Provide(fx.Annotate(
		service.NewService,
		fx.As(fx.Self()),
		fx.As(new(accountdomain.Service)),
	)),
	fx.Invoke(func(lc fx.Lifecycle, svc *service.Service) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				done := make(chan struct{})
				go func() {
					svc.Wait()
					close(done)
				}()
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}),
)
