package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/launchpad/internal/config"
)

func disabledConfig() config.OTELConfig {
	return config.OTELConfig{
		ServiceName: "test-launchpad",
		Traces:      config.TracesConfig{Enabled: false},
		Metrics:     config.MetricsConfig{Enabled: false},
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(context.Background(), disabledConfig(), config.PushgatewayConfig{})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.NotNil(t, p.Tracer())

	// push is a no-op without a gateway
	require.NoError(t, p.Push(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_WithEndpoint(t *testing.T) {
	cfg := config.OTELConfig{
		Endpoint:    "localhost:4317",
		Insecure:    true,
		ServiceName: "test-launchpad",
		Traces:      config.TracesConfig{Enabled: true, SampleRate: 1.0},
		Metrics:     config.MetricsConfig{Enabled: true},
	}

	// exporters connect lazily, so no collector is needed
	p, err := NewProvider(context.Background(), cfg, config.PushgatewayConfig{})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_RecordStep(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := NewProvider(context.Background(), disabledConfig(), config.PushgatewayConfig{}, WithReader(reader))
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.RecordStep(ctx, "key_pair", 120*time.Millisecond, nil)
	p.RecordStep(ctx, "launch", 2*time.Second, nil)
	p.RecordStep(ctx, "tag", 50*time.Millisecond, errors.New("denied"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	byName := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			byName[m.Name] = m
		}
	}

	durations, ok := byName["launchpad_step_duration_seconds"]
	require.True(t, ok)
	hist, ok := durations.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)

	failures, ok := byName["launchpad_step_failures_total"]
	require.True(t, ok)
	sum, ok := failures.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
	step, _ := sum.DataPoints[0].Attributes.Value("step")
	assert.Equal(t, "tag", step.AsString())
}

func TestProvider_Push(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method = r.Method
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewProvider(context.Background(), disabledConfig(), config.PushgatewayConfig{
		URL: srv.URL,
		Job: "launchpad",
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.RecordStep(context.Background(), "launch", time.Second, nil)
	require.NoError(t, p.Push(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/launchpad", path)
	assert.Contains(t, string(body), "launchpad_step_duration_seconds")
}

func TestProvider_PushError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewProvider(context.Background(), disabledConfig(), config.PushgatewayConfig{URL: srv.URL, Job: "launchpad"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	err = p.Push(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push metrics")
}
