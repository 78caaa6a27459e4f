package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := SetupProvider(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupProviderInstallsSDKProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := SetupProvider(context.Background(), Config{
		Endpoint: "127.0.0.1:4317",
		Insecure: true,
		RunID:    "run-1",
	})
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok, "expected sdk tracer provider")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

func TestSetupProviderStdoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := SetupProvider(context.Background(), Config{Exporter: "stdout", Writer: &buf, RunID: "run-2"})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "core.Evaluate")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "core.Evaluate")
	assert.Contains(t, buf.String(), "run-2")
}

func TestSetupProviderRejectsUnknownExporter(t *testing.T) {
	_, err := SetupProvider(context.Background(), Config{Exporter: "zipkin"})
	assert.True(t, errors.Is(err, ErrUnknownExporter))

	_, err = SetupProvider(context.Background(), Config{Exporter: "otlp"})
	assert.Error(t, err)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{Version: "1.2.3", RunID: "abc"})

	values := map[attribute.Key]string{}
	for _, kv := range attrs {
		values[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "cotloop", values["service.name"])
	assert.Equal(t, "1.2.3", values["service.version"])
	assert.Equal(t, "abc", values["cotloop.run_id"])
}
