package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpanCarriesAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), tp.Tracer(ServiceName), "engine.CommitTransition",
		attribute.String(JobIDKey, "J1"),
		attribute.String(ToStatusKey, "DONE"),
	)
	assert.True(t, span.SpanContext().IsValid())
	_, child := StartSpan(ctx, tp.Tracer(ServiceName), "repo.update")
	child.End()
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "repo.update", ended[0].Name())
	assert.Equal(t, ended[1].SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Contains(t, ended[1].Attributes(), attribute.String(JobIDKey, "J1"))
}

func TestTracerIsUsableBeforeSetup(t *testing.T) {
	_, span := StartSpan(context.Background(), Tracer(), "noop")
	defer span.End()
	assert.NotNil(t, span)
}
