package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("launchpad", "info", FormatJSON, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("step", "launch").Msg("step succeeded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "launchpad", entry["service"])
	assert.Equal(t, "launch", entry["step"])
	assert.Equal(t, "step succeeded", entry["message"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("launchpad", "debug", FormatConsole, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger("launchpad", "loud", FormatJSON, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewLogger("launchpad", "info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestOTELHook_AddsTraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger, err := NewLogger("launchpad", "info", FormatJSON, &buf)
	require.NoError(t, err)

	logger.Info().Ctx(ctx).Msg("with trace")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
}

func TestOTELHook_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("launchpad", "info", FormatJSON, &buf)
	require.NoError(t, err)

	logger.Info().Ctx(context.Background()).Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}
