package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes money-movement instruments. A nil *Metrics is a no-op.
type Metrics struct {
	paymentsRouted    metric.Int64Counter
	transfers         metric.Int64Counter
	transferredAmount metric.Int64Counter
	inconsistencies   metric.Int64Counter
	commissions       metric.Int64Counter
	payoutBatches     metric.Int64Counter
	webhookEvents     metric.Int64Counter
	providerCalls     metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "connectpay"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.paymentsRouted, err = meter.Int64Counter("connectpay_payments_routed_total"); err != nil {
		return nil, err
	}
	if m.transfers, err = meter.Int64Counter("connectpay_manual_payout_transfers_total"); err != nil {
		return nil, err
	}
	if m.transferredAmount, err = meter.Int64Counter("connectpay_manual_payout_amount_minor_total"); err != nil {
		return nil, err
	}
	if m.inconsistencies, err = meter.Int64Counter("connectpay_reconciliation_inconsistencies_total"); err != nil {
		return nil, err
	}
	if m.commissions, err = meter.Int64Counter("connectpay_affiliate_commissions_total"); err != nil {
		return nil, err
	}
	if m.payoutBatches, err = meter.Int64Counter("connectpay_affiliate_payout_batches_total"); err != nil {
		return nil, err
	}
	if m.webhookEvents, err = meter.Int64Counter("connectpay_webhook_events_total"); err != nil {
		return nil, err
	}
	if m.providerCalls, err = meter.Float64Histogram("connectpay_provider_call_seconds"); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordPaymentRouted(ctx context.Context, destination, currency string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("destination", destination),
		attribute.String("currency", strings.ToLower(currency)),
	)
	m.paymentsRouted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransfer counts a manual payout transfer; outcome is transferred, noop or failed.
func (m *Metrics) RecordTransfer(ctx context.Context, outcome, currency string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("outcome", outcome),
		attribute.String("currency", strings.ToLower(currency)),
	)
	m.transfers.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount > 0 {
		m.transferredAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordInconsistency(ctx context.Context) {
	if m == nil {
		return
	}
	m.inconsistencies.Add(ctx, 1)
}

func (m *Metrics) RecordCommission(ctx context.Context, commissionType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("commission_type", commissionType),
		attribute.String("outcome", outcome),
	)
	m.commissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPayoutBatch(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.payoutBatches.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("status", status))...))
}

func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", provider),
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) ObserveProviderCall(ctx context.Context, operation string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", operation))
	m.providerCalls.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"destination":     {},
	"currency":        {},
	"outcome":         {},
	"commission_type": {},
	"status":          {},
	"provider":        {},
	"event_type":      {},
	"operation":       {},
	"route":           {},
	"status_code":     {},
	"method":          {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Owner and affiliate ids never become labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
