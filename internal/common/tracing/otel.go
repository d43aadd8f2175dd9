// Package tracing provides shared OTel tracer initialization for agentd.
//
// Real tracing requires an OTLP endpoint (tracing.endpoint or
// OTEL_EXPORTER_OTLP_ENDPOINT). Without it a no-op tracer is used.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	mu             sync.RWMutex
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init installs an OTLP/HTTP exporter when endpoint is non-empty.
// Calling it with an empty endpoint leaves the no-op provider in place.
func Init(ctx context.Context, endpoint, serviceName string) error {
	if endpoint == "" {
		return nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	mu.Lock()
	sdkProvider = provider
	tracerProvider = provider
	mu.Unlock()
	otel.SetTracerProvider(provider)
	return nil
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracerProvider.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	sdkProvider = nil
	tracerProvider = noop.NewTracerProvider()
	mu.Unlock()
	if p != nil {
		return p.Shutdown(ctx)
	}
	return nil
}
