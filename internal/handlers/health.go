package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var startTime = time.Now()

// ConnectionChecker reports whether a messaging connection is up
type ConnectionChecker interface {
	IsConnected() bool
}

// Pinger checks a cache or store dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db      *gorm.DB
	nats    ConnectionChecker
	redis   Pinger
	service string
	version string
}

// NewHealthHandler creates a new health handler. nats and redis are optional;
// a nil dependency is reported as disabled and does not affect readiness.
func NewHealthHandler(db *gorm.DB, nats ConnectionChecker, redis Pinger, service, version string) *HealthHandler {
	return &HealthHandler{db: db, nats: nats, redis: redis, service: service, version: version}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Uptime    string           `json:"uptime"`
	Timestamp string           `json:"timestamp"`
	Checks    map[string]Check `json:"checks,omitempty"`
	System    *SystemInfo      `json:"system,omitempty"`
}

// Check represents a health check result
type Check struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemInfo represents system runtime information
type SystemInfo struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_mb"`
	MemorySys   uint64 `json:"memory_sys_mb"`
	NumCPU      int    `json:"num_cpu"`
	GoVersion   string `json:"go_version"`
}

// Health reports liveness; ?detailed=true adds dependency checks and runtime stats
func (h *HealthHandler) Health(c *gin.Context) {
	response := HealthResponse{
		Status:    "healthy",
		Service:   h.service,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if c.Query("detailed") == "true" {
		response.Checks = h.performChecks(c.Request.Context())
		response.System = systemInfo()
	}

	c.JSON(http.StatusOK, response)
}

// Ready reports 503 until every enabled dependency is reachable
func (h *HealthHandler) Ready(c *gin.Context) {
	response := HealthResponse{
		Service:   h.service,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    h.performChecks(c.Request.Context()),
	}

	for _, check := range response.Checks {
		if check.Status == "unhealthy" {
			response.Status = "not ready"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
	}
	response.Status = "ready"
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) performChecks(ctx context.Context) map[string]Check {
	return map[string]Check{
		"database": h.checkDatabase(ctx),
		"nats":     h.checkNATS(),
		"redis":    h.checkRedis(ctx),
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) Check {
	sqlDB, err := h.db.DB()
	if err != nil {
		return Check{Status: "unhealthy", Message: "Failed to get database instance"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return Check{Status: "unhealthy", Message: "Database ping failed"}
	}

	stats := sqlDB.Stats()
	return Check{
		Status:  "healthy",
		Message: "Database connected",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"max_open":         stats.MaxOpenConnections,
		},
	}
}

func (h *HealthHandler) checkNATS() Check {
	if h.nats == nil {
		return Check{Status: "disabled", Message: "Notifications are logged only"}
	}
	if !h.nats.IsConnected() {
		return Check{Status: "unhealthy", Message: "NATS disconnected"}
	}
	return Check{Status: "healthy", Message: "NATS connected"}
}

func (h *HealthHandler) checkRedis(ctx context.Context) Check {
	if h.redis == nil {
		return Check{Status: "disabled", Message: "Using in-process ledger and throttle"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.redis.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: "Redis ping failed"}
	}
	return Check{Status: "healthy", Message: "Redis connected"}
}

func systemInfo() *SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &SystemInfo{
		Goroutines:  runtime.NumGoroutine(),
		MemoryAlloc: mem.Alloc / 1024 / 1024,
		MemorySys:   mem.Sys / 1024 / 1024,
		NumCPU:      runtime.NumCPU(),
		GoVersion:   runtime.Version(),
	}
}
