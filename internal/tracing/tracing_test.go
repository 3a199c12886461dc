package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestProviderSetsServiceName(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := newProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer("analyzer").Start(context.Background(), "ProcessVideo")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ProcessVideo", spans[0].Name())

	var service string
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, ServiceName, service)
}

func TestInitTracer(t *testing.T) {
	tp, err := InitTracer(context.Background(), "http://localhost:4318/v1/traces")
	require.NoError(t, err)
	require.NoError(t, tp.Shutdown(context.Background()))
}
