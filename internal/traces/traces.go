// Package traces wires OpenTelemetry tracing for the escrow service. With
// no OTLP endpoint the global no-op provider stays in place and spans cost
// nothing.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/bchescrow"
	serviceName = "bchescrow"
)

// Init exports spans to otlpEndpoint over gRPC and returns the provider's
// shutdown func, which flushes pending batches.
func Init(ctx context.Context, otlpEndpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT unset")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it errored. A nil err is a no-op so
// callers can pass their named return unconditionally.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func EscrowID(id string) attribute.KeyValue { return attribute.String("escrow.id", id) }
func DisputeID(id string) attribute.KeyValue { return attribute.String("dispute.id", id) }
func Actor(id string) attribute.KeyValue { return attribute.String("actor.id", id) }
func Provider(name string) attribute.KeyValue { return attribute.String("ledger.provider", name) }
func Op(op string) attribute.KeyValue { return attribute.String("ledger.op", op) }
func TxID(txid string) attribute.KeyValue { return attribute.String("tx.id", txid) }
func EventID(id string) attribute.KeyValue { return attribute.String("event.id", id) }
func Source(src string) attribute.KeyValue { return attribute.String("event.source", src) }

// Status describes a lifecycle transition.
func Status(from, to string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("escrow.from", from),
		attribute.String("escrow.to", to),
	}
}
