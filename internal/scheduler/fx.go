package scheduler

import (
	"context"

	"github.com/smallbiznis/connectpay/internal/config"
	obsmetrics "github.com/smallbiznis/connectpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(ProvidePusher),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func ProvidePusher(cfg config.Config, log *zap.Logger) obsmetrics.Pusher {
	return obsmetrics.NewPusher(obsmetrics.PushConfig{
		Exporter:    cfg.MetricsPush.Exporter,
		Endpoint:    cfg.MetricsPush.Endpoint,
		AuthToken:   cfg.MetricsPush.AuthToken,
		Job:         cfg.AppName + "_scheduler",
		Environment: cfg.Environment,
	}, log.Named("scheduler.metrics"))
}
