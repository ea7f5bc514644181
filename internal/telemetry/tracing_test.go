package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerProvider(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, "feedcrawler-test", 0.5)
	require.NoError(t, err)
	defer func() { require.NoError(t, tp.Shutdown(ctx)) }()

	_, span := Tracer().Start(ctx, "unit")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
