// Package telemetry hands out OpenTelemetry instruments. Without an installed
// SDK the global provider is a no-op, so callers can record unconditionally.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "bookingflow/backend"

// Counter returns a monotonic counter from the global meter provider. An
// instrument that cannot be created degrades to a no-op counter.
func Counter(name, description string) metric.Int64Counter {
	c, err := otel.Meter(meterName).Int64Counter(name, metric.WithDescription(description))
	if err != nil || c == nil {
		return noop.Int64Counter{}
	}
	return c
}

// Add increments c by one with the given string attributes as key/value pairs.
func Add(ctx context.Context, c metric.Int64Counter, kv ...string) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
