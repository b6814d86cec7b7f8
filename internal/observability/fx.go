package observability

import (
	"github.com/smallbiznis/yapepro/internal/observability/logger"
	"github.com/smallbiznis/yapepro/internal/observability/metrics"
	"github.com/smallbiznis/yapepro/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	fx.Provide(
		func(c Config) logger.Config { return c.loggerConfig() },
		logger.New,
	),
	fx.Provide(
		func(c Config) tracing.Config { return c.tracingConfig() },
		tracing.NewProvider,
	),
	fx.Provide(
		func(c Config) metrics.Config { return c.metricsConfig() },
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
	),
	fx.Invoke(announce),
)

// announce forces the tracer provider and the scheduler collectors into the
// graph before any job or handler runs.
func announce(c Config, mc metrics.Config, _ *sdktrace.TracerProvider, log *zap.Logger) {
	metrics.SchedulerWithConfig(mc)
	log.Info("observability ready",
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Environment),
		zap.String("version", c.Version),
		zap.Bool("otel_enabled", c.OtelEnabled),
		zap.String("log_format", c.LogFormat),
	)
}

func (c Config) loggerConfig() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) tracingConfig() tracing.Config {
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

func (c Config) metricsConfig() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
