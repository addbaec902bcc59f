// Package telemetry bootstraps OpenTelemetry tracing.
package telemetry

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/lightstep/otel-launcher-go/launcher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc/credentials"

	"github.com/getlantern/golog"
	"github.com/getlantern/ops"
)

var (
	log = golog.LoggerFor("topicstream.telemetry")
)

// Keys selects where telemetry is reported. Lightstep takes precedence over Honeycomb.
type Keys struct {
	Lightstep string `env:"LIGHTSTEP_KEY"`
	Honeycomb string `env:"HONEYCOMB_KEY"`
}

// Start configures opentelemetry for collecting traces for the named service according to the
// LIGHTSTEP_KEY and HONEYCOMB_KEY environment variables, and returns a function to shut down
// telemetry collection.
func Start(serviceName string) func() {
	keys := Keys{}
	if err := env.Parse(&keys); err != nil {
		log.Errorf("Unable to read telemetry keys, will not report traces: %v", err)
		return func() {}
	}
	return StartWith(serviceName, keys)
}

// StartWith is like Start but uses the given keys instead of the environment.
func StartWith(serviceName string, keys Keys) func() {
	if keys.Lightstep != "" {
		log.Debug("Will report traces and metrics to Lightstep")
		ls := launcher.ConfigureOpentelemetry(
			launcher.WithServiceName(serviceName),
			launcher.WithMetricReportingPeriod(10*time.Second),
			launcher.WithAccessToken(keys.Lightstep),
		)
		ops.EnableOpenTelemetry(serviceName)
		return func() { ls.Shutdown() }
	} else if keys.Honeycomb != "" {
		// Create gRPC client to talk to Honeycomb's OTEL collector
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint("api.honeycomb.io:443"),
			otlptracegrpc.WithHeaders(map[string]string{
				"x-honeycomb-team": keys.Honeycomb,
			}),
			otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
		}
		client := otlptracegrpc.NewClient(opts...)

		// Create an exporter that exports to the Honeycomb OTEL collector
		exporter, err := otlptrace.New(context.Background(), client)
		if err != nil {
			log.Errorf("Unable to initialize Honeycomb, will not report traces: %v", err)
			return func() {}
		}

		// Create a TracerProvider that uses the above exporter
		resource :=
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceNameKey.String(serviceName),
			)
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resource),
		)

		// Configure OTEL tracing to use the above TracerProvider
		otel.SetTracerProvider(tp)

		// Return stop function that shuts down the above TracerProvider
		ops.EnableOpenTelemetry(serviceName)
		return func() { tp.Shutdown(context.Background()) }
	} else {
		log.Debug("No LIGHTSTEP_KEY or HONEYCOMB_KEY in environment, will not report traces")
		return func() {}
	}
}
