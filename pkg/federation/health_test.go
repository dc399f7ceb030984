package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshfed/pkg/config"
	"meshfed/pkg/transport"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.setStatus("alpha", StatusConnected)
	metrics.published("alpha", string(config.ClassEvents), nil)
	metrics.published("alpha", string(config.ClassEvents), errors.New("boom"))
	metrics.inbound("events", "alpha", OutcomeApplied)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("alpha", string(StatusConnected))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConnectionStatus.WithLabelValues("alpha", string(StatusError))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Published.WithLabelValues("alpha", string(config.ClassEvents), "error")))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["meshfed_connection_status"])
	assert.True(t, names["meshfed_inbound_messages_total"])

	// A nil Metrics is a no-op.
	var none *Metrics
	none.setStatus("alpha", StatusConnected)
	none.handlerPanic()
}

func TestHealthEndpoint(t *testing.T) {
	broker := transport.NewBroker()
	registry := prometheus.NewRegistry()
	cm := NewConnectionManager("alpha", broker.Dialer(), NewMetrics(registry), zap.NewNop())
	defer cm.Close()

	mux := http.NewServeMux()
	NewHealthEndpoint(cm, registry, zap.NewNop()).RegisterHandlers(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "NOT READY", body)

	code, _ = get("/health")
	assert.Equal(t, http.StatusOK, code, "nothing expected yet")

	ctx := context.Background()
	_, err := cm.Connect(ctx, memorySite("alpha"))
	require.NoError(t, err)
	broker.SetConnectError("memory://bravo", errors.New("refused"))
	_, err = cm.Connect(ctx, memorySite("bravo"))
	require.Error(t, err)
	_, err = cm.Connect(ctx, config.SiteConfig{ID: "charlie", BrokerURL: "memory://charlie"})
	require.ErrorIs(t, err, ErrSiteDisabled)

	require.Eventually(t, func() bool { return cm.ConnectedCount() == 1 }, waitFor, tick)

	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	var report HealthReport
	require.NoError(t, json.Unmarshal([]byte(body), &report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "alpha", report.SiteID)
	assert.Equal(t, 1, report.Connected)
	assert.Equal(t, 2, report.Expected)
	require.Len(t, report.Sites, 3)

	code, body = get("/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", body)

	code, body = get("/status")
	assert.Equal(t, http.StatusOK, code)
	var statuses []SiteStatus
	require.NoError(t, json.Unmarshal([]byte(body), &statuses))
	assert.Equal(t, "bravo", statuses[1].SiteID)
	assert.Equal(t, StatusError, statuses[1].Status)
	assert.Contains(t, statuses[1].Message, "refused")
	assert.Equal(t, StatusDisabled, statuses[2].Status)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "meshfed_sites_connected 1")

	cm.DetachAll()
	broker.DropConnections("memory://alpha", errors.New("gone"))
	assert.Equal(t, "unhealthy", NewHealthEndpoint(cm, registry, nil).Report().Status)
}
