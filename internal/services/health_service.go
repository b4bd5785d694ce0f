package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aihub/rag-go/internal/metrics"
	"go.uber.org/zap"
)

// 健康状态
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthCheck 依赖探活函数
type HealthCheck func(ctx context.Context) error

// HealthReport 健康检查结果
type HealthReport struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// HealthService 并发探测各依赖，每个探测独立超时
type HealthService struct {
	checks  map[string]HealthCheck
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewHealthService 创建健康检查服务
func NewHealthService(timeout time.Duration, logger *zap.Logger) *HealthService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register 注册探测，应在 Check 之前完成
func (h *HealthService) Register(name string, check HealthCheck) {
	h.checks[name] = check
}

// Names 已注册的依赖名
func (h *HealthService) Names() []string {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check 执行全部探测。探测失败、超时或 panic 都记为 unhealthy，本身从不返回错误
func (h *HealthService) Check(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: h.now(),
		Services:  make(map[string]string, len(h.checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()
			err := h.run(ctx, check)

			status := HealthStatusHealthy
			up := 1.0
			if err != nil {
				status = HealthStatusUnhealthy
				up = 0
				h.logger.Warn("依赖探测失败", zap.String("service", name), zap.Error(err))
			}
			metrics.DependencyUp.WithLabelValues(name).Set(up)

			mu.Lock()
			report.Services[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	for _, status := range report.Services {
		if status != HealthStatusHealthy {
			report.Status = HealthStatusDegraded
			break
		}
	}
	return report
}

// run 在超时内执行探测；探测忽略 ctx 时也不会阻塞超过超时时间
func (h *HealthService) run(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("check panicked: %v", r)
			}
		}()
		done <- check(checkCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-checkCtx.Done():
		return checkCtx.Err()
	}
}
