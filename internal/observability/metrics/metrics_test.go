package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("tenant_id", "123"),
		attribute.String("sender_phone", "987654321"),
		attribute.String("outcome", "MATCHED"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "sender_phone" {
			t.Fatalf("expected sender_phone to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	confidence := 0.9
	m.RecordIngested(context.Background(), "1")
	m.RecordDecision(context.Background(), "1", "MATCHED", "", &confidence)
	m.RecordNotification(context.Background(), "redis", nil)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "yapepro"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	confidence := 0.7
	m.RecordDecision(context.Background(), "1", "MANUAL_REVIEW", "", &confidence)
	m.RecordApplyConflict(context.Background(), "1")
}
