package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthChecker 数据库健康检查器，记录最近一次检查结果
type HealthChecker struct {
	db        *sql.DB
	logger    *logrus.Logger
	timeout   time.Duration
	isHealthy bool
	lastCheck time.Time
	lastError error
	mu        sync.RWMutex
}

// HealthCheckResult 健康检查结果
type HealthCheckResult struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *sql.DB, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		db:      db,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// SetTimeout 设置单次检查超时
func (hc *HealthChecker) SetTimeout(timeout time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.timeout = timeout
}

// Check 执行单次健康检查
func (hc *HealthChecker) Check(ctx context.Context) error {
	hc.mu.RLock()
	timeout := hc.timeout
	hc.mu.RUnlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := hc.db.PingContext(ctx)
	responseTime := time.Since(start)

	hc.mu.Lock()
	wasHealthy := hc.isHealthy
	hc.lastCheck = time.Now()
	hc.lastError = err
	hc.isHealthy = err == nil
	hc.mu.Unlock()

	if err != nil {
		hc.logger.WithFields(logrus.Fields{
			"error":         err.Error(),
			"response_time": responseTime,
		}).Warn("Database health check failed")
		return err
	}

	if !wasHealthy {
		hc.logger.WithField("response_time", responseTime).Info("Database connection restored")
	}
	return nil
}

// Ping 实现探活接口
func (hc *HealthChecker) Ping(ctx context.Context) error {
	return hc.Check(ctx)
}

// IsHealthy 获取当前健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.isHealthy
}

// GetHealthResult 获取健康检查结果
func (hc *HealthChecker) GetHealthResult() HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := HealthCheckResult{
		Healthy:   hc.isHealthy,
		LastCheck: hc.lastCheck,
	}
	if hc.lastError != nil {
		result.LastError = hc.lastError.Error()
	}
	return result
}
