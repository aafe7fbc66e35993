package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/smallbiznis/connectpay/internal/observability/logger"
	"github.com/smallbiznis/connectpay/internal/observability/metrics"
	"github.com/smallbiznis/connectpay/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and metrics for the API process.
var Module = processModule("")

// SchedulerModule is Module for the scheduler binary. Its logs, spans and
// metrics report as "<service>-scheduler" so the two processes stay apart.
var SchedulerModule = processModule("scheduler")

func processModule(process string) fx.Option {
	return fx.Module("observability",
		fx.Provide(
			func(cfg config.Config) Config {
				return ForProcess(LoadConfig(cfg), process)
			},
			func(cfg Config) logger.Config {
				return cfg.logger()
			},
			logger.New,
			func(cfg Config) tracing.Config {
				return cfg.tracing()
			},
			tracing.NewProvider,
			func(cfg Config) metrics.Config {
				return cfg.metrics()
			},
			metrics.NewProvider,
			metrics.New,
			func() prometheus.Registerer {
				return prometheus.DefaultRegisterer
			},
			metrics.NewHTTPMetrics,
		),
		fx.Invoke(
			func(*sdktrace.TracerProvider) {},
			func(cfg metrics.Config) { metrics.SchedulerWithConfig(cfg) },
		),
	)
}

// ForProcess suffixes the service name with the process role. A name that
// already carries the suffix, usually from OTEL_SERVICE_NAME, is kept.
func ForProcess(cfg Config, process string) Config {
	process = strings.TrimSpace(process)
	if process == "" || strings.HasSuffix(cfg.ServiceName, "-"+process) {
		return cfg
	}
	cfg.ServiceName += "-" + process
	return cfg
}

func (c Config) logger() logger.Config {
	debug := c.Debug()
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               debug,
		IncludeCaller:       true,
		IncludeStackOnError: debug,
	}
}

func (c Config) tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
