// Package tracing exposes the process-wide OpenTelemetry tracer used to
// instrument pipeline state transitions and source lifecycle
// operations. Exporter wiring is left to the embedding binary (it calls
// otel.SetTracerProvider itself); this package only hands out tracers
// against whatever provider is currently registered, defaulting to
// OpenTelemetry's no-op provider when none has been set.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given component name.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
