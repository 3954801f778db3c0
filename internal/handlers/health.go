package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"fieldcrm/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NATSStatus is satisfied by *nats.Conn.
type NATSStatus interface {
	IsConnected() bool
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	nats    NATSStatus
	version string
	logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器；nc 为空表示未启用事件总线
func NewHealthHandler(cfg *config.Config, db *gorm.DB, nc NATSStatus, version string) *HealthHandler {
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	return &HealthHandler{
		config:  cfg,
		db:      db,
		nats:    nc,
		version: version,
		logger:  logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     string `json:"uptime"`
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点。部分依赖不可用时返回 200 + degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime).Round(time.Second).String(),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	allHealthy := true
	if h.config.Monitoring.HealthChecks.Database {
		info := h.checkDatabase(ctx)
		response.Services["database"] = info
		allHealthy = allHealthy && info.Status == "healthy"
	}
	if h.config.Monitoring.HealthChecks.NATS && h.config.NATS.Enabled {
		info := h.checkNATS()
		response.Services["nats"] = info
		allHealthy = allHealthy && info.Status == "healthy"
	}
	if !allHealthy {
		response.Status = "degraded"
	}
	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点，只检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  map[string]string{"database": db.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		h.logger.Warnf("health: database ping failed: %v", err)
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkNATS() ServiceInfo {
	if h.nats == nil || !h.nats.IsConnected() {
		return ServiceInfo{Status: "unhealthy", Error: "not connected"}
	}
	return ServiceInfo{Status: "healthy"}
}

// RegisterHealthRoutes 注册健康检查路由（不在 /api/v1 下）
func RegisterHealthRoutes(r gin.IRouter, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
