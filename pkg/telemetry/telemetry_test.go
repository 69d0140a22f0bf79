package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojovmem/core/vmem"
)

func scrape(t *testing.T, tel *Telemetry) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Code, rec.Body.String()
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)

	counter, err := tel.Meter.Int64Counter("noop.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	code, _ := scrape(t, tel)
	assert.Equal(t, http.StatusNotFound, code)
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_SamplesEverythingOutOfRange(t *testing.T) {
	tel, err := New(Config{Enabled: true, TraceSampleRatio: 5})
	require.NoError(t, err)
	assert.True(t, tel.Enabled())
	assert.Nil(t, tel.server, "no metrics listener without a port")

	_, span := tel.Tracer.Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, tel.Shutdown(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()), "shutdown is idempotent")
}

func TestHandler_ExportsPoolMetrics(t *testing.T) {
	tel, err := New(Config{Enabled: true, ServiceName: "vmem-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	pool, err := vmem.Open(filepath.Join(t.TempDir(), "metrics.vmem"),
		vmem.WithPageSize(256), vmem.WithMapping(vmem.MappingFile), vmem.WithMeter(tel.Meter))
	require.NoError(t, err)
	for range 3 {
		pg, err := pool.Lock(vmem.StartPage)
		require.NoError(t, err)
		require.NoError(t, pg.Close())
	}
	require.NoError(t, pool.Close())

	code, body := scrape(t, tel)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "vmem_pool_cache_hits")
	assert.Contains(t, body, "vmem_pool_cache_misses")
	assert.Contains(t, body, `service_name="vmem-test"`)
}

func TestConfig_Defaults(t *testing.T) {
	assert.Equal(t, DefaultServiceName, Config{}.serviceName())
	assert.Equal(t, "svc", Config{ServiceName: "svc"}.serviceName())
	assert.Equal(t, 1.0, Config{TraceSampleRatio: 0}.sampleRatio())
	assert.Equal(t, 0.25, Config{TraceSampleRatio: 0.25}.sampleRatio())
}
