package protection

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func spanAttrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestClient_DecideSpanRecordsVerdict(t *testing.T) {
	sr := recordSpans(t)
	up := newUpstream(t, respondJSON(http.StatusOK, `{"conclusion":"DENY","reason":"BOT"}`))
	c, err := NewClient(ClientConfig{Endpoint: up.srv.URL, APIKey: "sk"})
	require.NoError(t, err)

	_, err = c.Decide(context.Background(), DecideRequest{RuleSet: "api"})
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "protection.decide", spans[0].Name())
	assert.False(t, attrs["protection.allowed"].AsBool())
	assert.Equal(t, "BOT", attrs["protection.reason"].AsString())
	assert.Equal(t, "api", attrs["protection.rule_set"].AsString())
}

func TestClient_DecideSpanRecordsUpstreamStatus(t *testing.T) {
	sr := recordSpans(t)
	up := newUpstream(t, respondJSON(http.StatusBadGateway, ``))
	c, err := NewClient(ClientConfig{Endpoint: up.srv.URL, APIKey: "sk"})
	require.NoError(t, err)

	_, err = c.Decide(context.Background(), DecideRequest{})
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, int64(http.StatusBadGateway), spanAttrs(spans[0])["protection.upstream_status"].AsInt64())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
