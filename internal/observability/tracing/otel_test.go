package tracing

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_WithoutEndpointRecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	recorder := tracetest.NewSpanRecorder()
	cfg := DefaultConfig("compliance-test")
	cfg.OTLPEndpoint = ""

	p, err := Init(context.Background(), cfg, sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "ledger.Record")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "ledger.Record", ended[0].Name())

	var service string
	for _, kv := range ended[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "compliance-test", service)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.True(t, strings.HasPrefix(sampler(1).Description(), "ParentBased{root:AlwaysOnSampler,"))
	assert.True(t, strings.HasPrefix(sampler(0).Description(), "ParentBased{root:AlwaysOffSampler,"))
	assert.True(t, strings.HasPrefix(sampler(0.25).Description(), "ParentBased{root:TraceIDRatioBased{0.25},"))
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
