package router

import (
	"fmt"
	"net/http"

	"github.com/aihub/rag-go/app/controllers"
	"github.com/aihub/rag-go/app/middleware"
	"github.com/beego/beego/v2/server/web"
)

// Controllers 路由依赖的控制器集合
type Controllers struct {
	Documents *controllers.DocumentController
	Chat      *controllers.ChatController
	Feedback  *controllers.FeedbackController
	Health    *controllers.HealthController
	Metrics   *controllers.MetricsController
}

// Options 路由选项
type Options struct {
	AdminToken     string
	AllowedOrigins []string
}

// route 路由定义
type route struct {
	path    string
	ctrl    web.ControllerInterface
	methods string
	// guarded 需要管理员令牌的HTTP方法
	guarded []string
}

// Register 在 reg 上注册全部路由和过滤器
func Register(reg *web.ControllerRegister, ctrls Controllers, opts Options) error {
	if err := reg.InsertFilter("/*", web.BeforeRouter, middleware.CORS(opts.AllowedOrigins...)); err != nil {
		return fmt.Errorf("insert cors filter: %w", err)
	}

	routes := []route{
		{path: "/upload", ctrl: ctrls.Documents, methods: "post:Upload", guarded: []string{http.MethodPost}},
		{path: "/documents", ctrl: ctrls.Documents, methods: "get:List"},
		{path: "/documents/:doc_id", ctrl: ctrls.Documents, methods: "get:Get;delete:Delete", guarded: []string{http.MethodDelete}},
		{path: "/chat", ctrl: ctrls.Chat, methods: "post:Ask"},
		{path: "/history/:session_id", ctrl: ctrls.Chat, methods: "get:History"},
		{path: "/feedback", ctrl: ctrls.Feedback, methods: "post:Submit;get:List", guarded: []string{http.MethodGet}},
		{path: "/health", ctrl: ctrls.Health, methods: "get:Health"},
		{path: "/metrics", ctrl: ctrls.Metrics, methods: "get:Metrics"},
	}

	for _, r := range routes {
		if len(r.guarded) > 0 {
			auth := middleware.BearerAuth(opts.AdminToken, r.guarded...)
			if err := reg.InsertFilter(r.path, web.BeforeExec, auth); err != nil {
				return fmt.Errorf("insert auth filter for %s: %w", r.path, err)
			}
		}
		reg.Add(r.path, r.ctrl, web.WithRouterMethods(r.ctrl, r.methods))
	}
	return nil
}
