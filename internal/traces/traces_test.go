package traces

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", slog.Default())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_WithAttributes(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "admission.rate_limit", Stage("rate_limit"), Score(10))
	defer span.End()
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}

func TestAttributeHelpers(t *testing.T) {
	assert.Equal(t, "admission.stage", string(Stage("x").Key))
	assert.Equal(t, int64(70), Score(70).Value.AsInt64())
	assert.True(t, FromCache(true).Value.AsBool())
	assert.Equal(t, "t1", TraceID("t1").Value.AsString())
}
