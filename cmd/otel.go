package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kalbasit/nixsync/pkg/telemetry"
)

func newResource(ctx context.Context, cmd *cli.Command) (*resource.Resource, error) {
	return telemetry.NewResource(ctx, cmd.Root().Name, Version)
}

// setupOTelSDK bootstraps tracing only: the transfer engine's pipelines
// (session, push, pull) emit spans via otelhttp/otel.Tracer but this repo
// has no metrics or log exporters of its own (see DESIGN.md) — prometheus
// scraping is a separate, pull-based surface wired in pkg/metrics.
func setupOTelSDK(ctx context.Context, cmd *cli.Command, otelResource *resource.Resource) (func(context.Context) error, error) {
	prop := newPropagator()
	otel.SetTextMapPropagator(prop)

	enabled := cmd.Bool("otel-enabled")

	ctx = zerolog.Ctx(ctx).
		With().
		Bool("otel-enabled", enabled).
		Logger().
		WithContext(ctx)

	tracerProvider, err := newTraceProvider(ctx, enabled, otelResource)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error creating a new tracer provider")

		return func(context.Context) error { return nil }, err
	}

	otel.SetTracerProvider(tracerProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tracerProvider.Shutdown(ctx))
	}

	return shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(ctx context.Context, enabled bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		traceExporter sdktrace.SpanExporter
		err           error
	)

	if enabled {
		zerolog.Ctx(ctx).Info().Msg("setting up tracer provider with pretty printing")

		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	return traceProvider, nil
}
