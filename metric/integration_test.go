package metric

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDriver simulates a driver that registers its own metrics
type mockDriver struct {
	name    string
	metrics struct {
		requests prometheus.Counter
		inFlight prometheus.Gauge
	}
}

func newMockDriver(name string) *mockDriver {
	return &mockDriver{name: name}
}

func (m *mockDriver) RegisterMetrics(registrar MetricsRegistrar) error {
	m.metrics.requests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mock_driver",
		Name:      "requests_total",
		Help:      "Total number of read requests sent",
	})

	if err := registrar.RegisterCounter(m.name, "requests_total", m.metrics.requests); err != nil {
		return err
	}

	m.metrics.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mock_driver",
		Name:      "in_flight",
		Help:      "Requests awaiting a response",
	})

	return registrar.RegisterGauge(m.name, "in_flight", m.metrics.inFlight)
}

func (m *mockDriver) send(requests, inFlight int) {
	m.metrics.requests.Add(float64(requests))
	m.metrics.inFlight.Set(float64(inFlight))
}

func gatherNames(t *testing.T, registry *MetricsRegistry) map[string]bool {
	t.Helper()
	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range metricFamilies {
		found[mf.GetName()] = true
	}
	return found
}

func TestMetricsIntegration_DriverRegistration(t *testing.T) {
	registry := NewMetricsRegistry()
	drv := newMockDriver("retroarch")

	require.NoError(t, drv.RegisterMetrics(registry))
	drv.send(10, 2)

	found := gatherNames(t, registry)
	assert.True(t, found["memhook_mock_driver_requests_total"])
	assert.True(t, found["memhook_mock_driver_in_flight"])
}

func TestMetricsIntegration_NoDuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NoError(t, newMockDriver("dup").RegisterMetrics(registry))

	err := newMockDriver("dup").RegisterMetrics(registry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestMetricsIntegration_Unregistration(t *testing.T) {
	registry := NewMetricsRegistry()
	drv := newMockDriver("unregister-test")

	require.NoError(t, drv.RegisterMetrics(registry))
	drv.send(1, 1)

	assert.True(t, gatherNames(t, registry)["memhook_mock_driver_requests_total"])

	assert.True(t, registry.Unregister("unregister-test", "requests_total"))

	found := gatherNames(t, registry)
	assert.False(t, found["memhook_mock_driver_requests_total"])
	assert.True(t, found["memhook_mock_driver_in_flight"], "other driver metrics should remain")
}

func TestServer_HandlerServesMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordFieldChange("uint")

	srv := httptest.NewServer(NewServer(0, "", registry, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "memhook_field_changes_total"))
}

func TestServer_HealthReflectsHook(t *testing.T) {
	registry := NewMetricsRegistry()

	tests := []struct {
		name     string
		health   HealthFunc
		wantCode int
	}{
		{"no hook", nil, http.StatusOK},
		{"healthy", func() (bool, any) { return true, map[string]string{"state": "running"} }, http.StatusOK},
		{"unhealthy", func() (bool, any) { return false, map[string]string{"state": "unloaded"} }, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(NewServer(0, "", registry, tt.health).Handler())
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/health")
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestServer_StartWithoutRegistry(t *testing.T) {
	srv := NewServer(0, "", nil, nil)
	err := srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics registry not provided")
}

func TestServer_HandleMountsExtraHandlers(t *testing.T) {
	registry := NewMetricsRegistry()
	server := NewServer(0, "", registry, nil)
	server.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AddressScheme(t *testing.T) {
	server := NewServer(9191, "/m", NewMetricsRegistry(), nil)
	assert.Equal(t, "http://localhost:9191/m", server.Address())

	server.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	assert.Equal(t, "https://localhost:9191/m", server.Address())
}
