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

// Metrics exposes reconciliation instruments.
type Metrics struct {
	ingested       metric.Int64Counter
	duplicates     metric.Int64Counter
	parseFailures  metric.Int64Counter
	decisions      metric.Int64Counter
	applyConflicts metric.Int64Counter
	notifications  metric.Int64Counter
	confidence     metric.Float64Histogram
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
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "yapepro"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	var err error
	if m.ingested, err = meter.Int64Counter("yapepro_transactions_ingested_total"); err != nil {
		return nil, err
	}
	if m.duplicates, err = meter.Int64Counter("yapepro_transactions_duplicate_total"); err != nil {
		return nil, err
	}
	if m.parseFailures, err = meter.Int64Counter("yapepro_transactions_parse_failed_total"); err != nil {
		return nil, err
	}
	if m.decisions, err = meter.Int64Counter("yapepro_match_decisions_total"); err != nil {
		return nil, err
	}
	if m.applyConflicts, err = meter.Int64Counter("yapepro_apply_conflicts_total"); err != nil {
		return nil, err
	}
	if m.notifications, err = meter.Int64Counter("yapepro_notifications_total"); err != nil {
		return nil, err
	}
	if m.confidence, err = meter.Float64Histogram("yapepro_match_confidence",
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordIngested(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.ingested.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("tenant_id", tenantID))...))
}

func (m *Metrics) RecordDuplicate(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("tenant_id", tenantID))...))
}

func (m *Metrics) RecordParseFailure(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.parseFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("tenant_id", tenantID))...))
}

// RecordDecision counts matcher outcomes and observes the winning confidence when present.
func (m *Metrics) RecordDecision(ctx context.Context, tenantID, outcome, reason string, confidence *float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	if confidence != nil {
		m.confidence.Record(ctx, *confidence, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *Metrics) RecordApplyConflict(ctx context.Context, tenantID string) {
	if m == nil {
		return
	}
	m.applyConflicts.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("tenant_id", tenantID))...))
}

func (m *Metrics) RecordNotification(ctx context.Context, channel string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := FilterAttributes(
		attribute.String("channel", channel),
		attribute.String("status", status),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
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
	"tenant_id":   {},
	"outcome":     {},
	"reason":      {},
	"channel":     {},
	"status":      {},
	"route":       {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
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
