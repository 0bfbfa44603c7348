package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	JobStore       string `json:"job_store"`
	RedisConnected bool   `json:"redis_connected"`
	SQLiteOK       bool   `json:"sqlite_ok"`
	OracleBreaker  string `json:"oracle_breaker"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status. jobStore is "redis" or
// "memory"; Redis connectivity only counts when the job store is Redis.
func NewHealthStatus(jobStore string) *HealthStatus {
	return &HealthStatus{
		JobStore:      jobStore,
		OracleBreaker: "closed",
		StartedAt:     time.Now(),
	}
}

func (h *HealthStatus) SetOracleBreaker(state string) {
	h.mu.Lock()
	h.OracleBreaker = state
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the ledger database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// Check probes every configured dependency once.
func (h *HealthStatus) Check(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB) {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if rdb != nil {
		h.CheckRedis(probeCtx, rdb)
	}
	if sqlDB != nil {
		h.CheckSQLite(probeCtx, sqlDB)
	}
}

// StartLivenessChecker probes immediately and then every interval.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	h.Check(ctx, rdb, sqlDB)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Check(ctx, rdb, sqlDB)
			}
		}
	}()
}

// Healthy reports whether every required dependency is reachable.
func (h *HealthStatus) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthyLocked()
}

func (h *HealthStatus) healthyLocked() bool {
	if h.JobStore == "redis" && !h.RedisConnected {
		return false
	}
	return h.SQLiteOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.healthyLocked() {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.SQLiteOK && h.JobStore == "redis" && !h.RedisConnected {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		JobStore        string  `json:"job_store"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		OracleBreaker   string  `json:"oracle_breaker"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		JobStore:        h.JobStore,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		OracleBreaker:   h.OracleBreaker,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
