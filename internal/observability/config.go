package observability

import (
	"strings"

	"github.com/smallbiznis/connectpay/internal/config"
	"github.com/spf13/viper"
)

const (
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultOTLPProtocol  = "grpc"
	defaultSamplingRatio = 0.1
)

// Config is the logging, tracing and metrics setup shared by the API and the
// scheduler.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

// LoadConfig starts from the application config and lets CONNECTPAY_* or the
// standard OTEL_* variables override it. The first variable set wins.
func LoadConfig(cfg config.Config) Config {
	v := viper.New()
	v.SetDefault("service_name", firstNonEmpty(cfg.AppName, "connectpay"))
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("version", cfg.AppVersion)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", defaultLogFormat)
	v.SetDefault("otel_disabled", false)
	v.SetDefault("otlp_endpoint", cfg.OTLPEndpoint)
	v.SetDefault("otlp_protocol", defaultOTLPProtocol)
	v.SetDefault("sampling_ratio", defaultSamplingRatio)

	_ = v.BindEnv("service_name", "CONNECTPAY_SERVICE_NAME", "OTEL_SERVICE_NAME")
	_ = v.BindEnv("environment", "CONNECTPAY_ENV", "DEPLOYMENT_ENV")
	_ = v.BindEnv("version", "CONNECTPAY_VERSION", "SERVICE_VERSION")
	_ = v.BindEnv("log_level", "CONNECTPAY_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log_format", "CONNECTPAY_LOG_FORMAT", "LOG_FORMAT")
	_ = v.BindEnv("otel_disabled", "OTEL_SDK_DISABLED")
	_ = v.BindEnv("otlp_endpoint", "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("otlp_protocol", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL")
	_ = v.BindEnv("sampling_ratio", "CONNECTPAY_TRACE_SAMPLE_RATIO", "OTEL_TRACES_SAMPLER_ARG")

	ratio := v.GetFloat64("sampling_ratio")
	if ratio < 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}

	return Config{
		ServiceName:          strings.TrimSpace(v.GetString("service_name")),
		Environment:          strings.TrimSpace(v.GetString("environment")),
		Version:              strings.TrimSpace(v.GetString("version")),
		LogLevel:             strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:            strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		OtelEnabled:          !v.GetBool("otel_disabled"),
		OtelExporterEndpoint: strings.TrimSpace(v.GetString("otlp_endpoint")),
		OtelExporterProtocol: strings.ToLower(strings.TrimSpace(v.GetString("otlp_protocol"))),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on development logging and full gin output.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
