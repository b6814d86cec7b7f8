package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/smallbiznis/yapepro/internal/config"
)

// Config holds observability settings. OTEL_* variables follow the
// OpenTelemetry SDK conventions so collectors can be swapped without code changes.
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

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(envOr("OTEL_SERVICE_NAME", cfg.AppName))
	if serviceName == "" {
		serviceName = "yapepro"
	}
	protocol := envOr("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	if traces := envOr("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", ""); traces != "" {
		protocol = traces
	}

	c := Config{
		ServiceName:          serviceName,
		Environment:          envOr("DEPLOYMENT_ENV", cfg.Environment),
		Version:              envOr("SERVICE_VERSION", cfg.AppVersion),
		LogLevel:             strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envOr("LOG_FORMAT", "json")),
		OtelEnabled:          false,
		OtelExporterEndpoint: envOr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: strings.ToLower(protocol),
		OtelSamplingRatio:    0.1,
	}
	if raw := envOr("OTEL_ENABLED", ""); raw != "" {
		c.OtelEnabled, _ = strconv.ParseBool(raw)
	}
	if raw := envOr("OTEL_SAMPLING_RATIO", ""); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			c.OtelSamplingRatio = ratio
		}
	}
	return c
}

// Debug reports whether verbose request logging and stack traces are wanted.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func envOr(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return strings.TrimSpace(def)
}
