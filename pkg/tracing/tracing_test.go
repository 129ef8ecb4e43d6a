package tracing

import (
	"context"
	"testing"

	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestKafkaHeadersRoundTrip(t *testing.T) {
	tp, err := Init(context.Background(), "test", "", logging.Discard())
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := Tracer().Start(context.Background(), "produce")
	defer span.End()

	headers := InjectKafkaHeaders(ctx, []kafka.Header{{Key: "event_type", Value: []byte("OrderCreated")}})
	assert.NotEmpty(t, Traceparent(ctx))

	out := ExtractKafkaHeaders(context.Background(), headers)
	got := trace.SpanContextFromContext(out)
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestInjectReplacesStoredTraceparent(t *testing.T) {
	tp, err := Init(context.Background(), "test", "", logging.Discard())
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := Tracer().Start(context.Background(), "relay")
	defer span.End()
	stored := Traceparent(ctx)

	headers := []kafka.Header{{Key: TraceparentHeader, Value: []byte("00-stale")}}
	headers = InjectKafkaHeaders(WithTraceparent(context.Background(), stored), headers)

	var count int
	for _, h := range headers {
		if h.Key == TraceparentHeader {
			count++
			assert.Equal(t, stored, string(h.Value))
		}
	}
	assert.Equal(t, 1, count)
}

func TestWithTraceparentIgnoresEmpty(t *testing.T) {
	ctx := WithTraceparent(context.Background(), "")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
