package tracing

import (
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsDestinationFields(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/v1/payouts"),
		attribute.String("destination.msisdn", "254700000000"),
		attribute.String("webhook_secret", "s"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("expected only http.route to survive, got %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 300) + "\nsecond line"))
	if len(err.Error()) != 256 {
		t.Fatalf("expected 256 chars, got %d", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
