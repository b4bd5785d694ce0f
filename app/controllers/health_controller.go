package controllers

import (
	"github.com/aihub/rag-go/internal/services"
)

// HealthController 依赖健康检查，始终返回200
type HealthController struct {
	BaseController
	Service *services.HealthService
}

// NewHealthController 创建健康检查控制器
func NewHealthController(health *services.HealthService) *HealthController {
	return &HealthController{Service: health}
}

// Health GET /health
func (c *HealthController) Health() {
	c.JSONSuccess(c.Service.Check(c.Ctx.Request.Context()))
}
