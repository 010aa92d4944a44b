// Package telemetry gives internal components access to whatever
// OpenTelemetry MeterProvider the host process has installed globally.
//
// Unlike a server, this module never owns an OTEL pipeline: it is an
// embedded library and must not force an exporter, resource, or provider
// onto the host. If the host never calls otel.SetMeterProvider, every
// Meter call below resolves to the OTEL SDK's no-op provider, so the
// gauges registered by the batcher and blob pipeline are free to register
// unconditionally.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
