package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_FreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.DataLossBars.Add(2)
	m.SecurityDowngrades.Inc()
	m.FeedState.WithLabelValues("0").Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DataLossBars))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SecurityDowngrades))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FeedState.WithLabelValues("0")))

	// A second registry does not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func healthz(t *testing.T, h *HealthStatus) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthStatus(t *testing.T) {
	h := NewHealthStatus("sqlite", 2)
	ctx := context.Background()

	h.CheckRedis(ctx, pinger{})
	h.CheckDurable(ctx, pinger{})
	h.SetStreamingShards(2)
	code, body := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	h.SetStreamingShards(1)
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	h.CheckRedis(ctx, pinger{err: errors.New("down")})
	h.CheckDurable(ctx, pinger{err: errors.New("down")})
	_, body = healthz(t, h)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestHealthStatus_WithoutRedis(t *testing.T) {
	h := NewHealthStatus("sqlite", 1)
	h.SetRedisEnabled(false)
	ctx := context.Background()

	h.CheckDurable(ctx, pinger{})
	h.SetStreamingShards(1)
	code, body := healthz(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["redis_enabled"])

	h.CheckDurable(ctx, pinger{err: errors.New("locked")})
	code, body = healthz(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestServer_ExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BarsFlushed.Add(7)

	srv := NewServer(":0", NewHealthStatus("sqlite", 1), reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "pipeline_bars_flushed_total 7"))
}
