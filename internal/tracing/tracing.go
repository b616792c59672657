// Package tracing wraps OpenTelemetry for pipeline stage spans. Tracing is
// off unless Init enables an exporter; spans started before that go to the
// no-op global provider.
package tracing

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zsiec/avkit"

var tp *sdktrace.TracerProvider

// Init installs a global tracer provider that pretty-prints finished spans
// to w. The provider batches spans; call Flush before exit.
func Init(ctx context.Context, w io.Writer) error {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceNameKey.String("avkit"),
	))
	if err != nil {
		return err
	}
	install(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	return nil
}

// InitWithExporter installs a provider that exports every span
// synchronously. Tests use it with an in-memory exporter.
func InitWithExporter(exp sdktrace.SpanExporter) {
	install(sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp)))
}

func install(p *sdktrace.TracerProvider) {
	tp = p
	otel.SetTracerProvider(p)
}

// Start opens a span named after a pipeline stage or command.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Flush shuts the tracer provider down, exporting pending spans. It is
// safe to call more than once and when tracing was never enabled.
func Flush() {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tp.Shutdown(ctx)
	tp = nil
}
