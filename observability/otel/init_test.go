package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = secret ,broken, =skip,tenant=clone")
	require.Equal(t, map[string]string{"api-key": "secret", "tenant": "clone"}, got)
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	cfg := FromEnv("cloned", "dev")
	require.False(t, cfg.Traces)
	require.False(t, cfg.Metrics)
	require.True(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	cfg = FromEnv("cloned", "dev")
	require.True(t, cfg.Traces)
	require.False(t, cfg.Insecure)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	shutdown, err := Init(context.Background(), Config{ServiceName: "cloned"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
