// Package tracer wires OpenTelemetry for the gateway and names its spans.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"slack-ircd/internal/infra/config"
)

const tracerName = "slack-ircd"

// Span names.
const (
	SpanWebhookDispatch = "webhook.dispatch"
	SpanRelayOutbound   = "bridge.relay_outbound"
)

// Attribute keys shared by the bridge, webhook and Slack client spans.
const (
	AttrIRCChannel    = attribute.Key("irc.channel")
	AttrSlackChannel  = attribute.Key("slack.channel")
	AttrSlackTS       = attribute.Key("slack.ts")
	AttrSlackEndpoint = attribute.Key("slack.endpoint")
	AttrRequestType   = attribute.Key("slack.request_type")
)

// SlackSpan names the client span for one Web API method.
func SlackSpan(endpoint string) string {
	return "slack." + endpoint
}

// Setup installs the global TracerProvider and returns its shutdown function.
// Disabled tracing and the "noop" exporter both install a noop provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }

	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan starts a named span on the gateway tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Annotate adds attributes to the span carried by ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// Finish ends span, recording err when non-nil.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
