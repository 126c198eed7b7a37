package tracer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"quill-ai/internal/infra/config"
)

func TestSetupDisabledInstallsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "test.span")
	assert.False(t, span.IsRecording())
	span.End()
}

func TestSetupNoopExporter(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "noop"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	_, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter")
}

func TestAttrHelpers(t *testing.T) {
	assert.Equal(t, attribute.String(AttrGenAISystem, "openai"), StringAttr(AttrGenAISystem, "openai"))
	assert.Equal(t, attribute.Int(AttrGenAIUsageInputTokens, 10), IntAttr(AttrGenAIUsageInputTokens, 10))
	assert.Equal(t, attribute.Float64(AttrGenAITemperature, 0.7), FloatAttr(AttrGenAITemperature, 0.7))
}
