package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pinger is a dependency that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamingShards int       `json:"streaming_shards"`
	TotalShards     int       `json:"total_shards"`
	LastTickTime    time.Time `json:"last_tick_time"`
	LastFlushTime   time.Time `json:"last_flush_time"`
	PendingBars     int       `json:"pending_bars"`
	RedisEnabled    bool      `json:"redis_enabled"`
	RedisConnected  bool      `json:"redis_connected"`
	DurableOK       bool      `json:"durable_ok"`
	DurableDriver   string    `json:"durable_driver"`

	// Liveness probe results
	RedisLatencyMs   float64   `json:"redis_latency_ms"`
	DurableLatencyMs float64   `json:"durable_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(durableDriver string, shards int) *HealthStatus {
	return &HealthStatus{
		StartedAt:     time.Now(),
		DurableDriver: durableDriver,
		TotalShards:   shards,
		RedisEnabled:  true,
	}
}

// SetRedisEnabled marks Redis as configured. A disabled Redis does not
// degrade health.
func (h *HealthStatus) SetRedisEnabled(enabled bool) {
	h.mu.Lock()
	h.RedisEnabled = enabled
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamingShards(n int) {
	h.mu.Lock()
	h.StreamingShards = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetFlush(t time.Time, pending int) {
	h.mu.Lock()
	h.LastFlushTime = t
	h.PendingBars = pending
	h.mu.Unlock()
}

// probe pings p and returns health + latency in milliseconds.
func probe(ctx context.Context, p Pinger) (bool, float64) {
	start := time.Now()
	err := p.Ping(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000.0
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, p Pinger) {
	ok, ms := probe(ctx, p)
	h.mu.Lock()
	h.RedisConnected = ok
	h.RedisLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDurable pings the durable store and records latency + health.
func (h *HealthStatus) CheckDurable(ctx context.Context, p Pinger) {
	ok, ms := probe(ctx, p)
	h.mu.Lock()
	h.DurableOK = ok
	h.DurableLatencyMs = ms
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes dependencies every interval until ctx is done.
// Either pinger may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, redis, durable Pinger, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if redis != nil {
			h.CheckRedis(probeCtx, redis)
		}
		if durable != nil {
			h.CheckDurable(probeCtx, durable)
		}
	}
	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	redisDown := h.RedisEnabled && !h.RedisConnected
	if h.StreamingShards < h.TotalShards || redisDown || !h.DurableOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	// Nothing left to serve from.
	if !h.DurableOK && (redisDown || !h.RedisEnabled) {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status           string  `json:"status"`
		Uptime           string  `json:"uptime"`
		StreamingShards  int     `json:"streaming_shards"`
		TotalShards      int     `json:"total_shards"`
		LastTickTime     string  `json:"last_tick_time"`
		TickAge          string  `json:"tick_age"`
		LastFlushTime    string  `json:"last_flush_time"`
		PendingBars      int     `json:"pending_bars"`
		RedisEnabled     bool    `json:"redis_enabled"`
		RedisConnected   bool    `json:"redis_connected"`
		RedisLatencyMs   float64 `json:"redis_latency_ms"`
		DurableDriver    string  `json:"durable_driver"`
		DurableOK        bool    `json:"durable_ok"`
		DurableLatencyMs float64 `json:"durable_latency_ms"`
		LastCheckAt      string  `json:"last_check_at"`
	}{
		Status:           overallStatus,
		Uptime:           time.Since(h.StartedAt).Round(time.Second).String(),
		StreamingShards:  h.StreamingShards,
		TotalShards:      h.TotalShards,
		LastTickTime:     h.LastTickTime.Format(time.RFC3339),
		TickAge:          tickAge,
		LastFlushTime:    h.LastFlushTime.Format(time.RFC3339),
		PendingBars:      h.PendingBars,
		RedisEnabled:     h.RedisEnabled,
		RedisConnected:   h.RedisConnected,
		RedisLatencyMs:   h.RedisLatencyMs,
		DurableDriver:    h.DurableDriver,
		DurableOK:        h.DurableOK,
		DurableLatencyMs: h.DurableLatencyMs,
		LastCheckAt:      h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
