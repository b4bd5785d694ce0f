package middleware

import (
	"net/http"

	"github.com/beego/beego/v2/server/web"
	"github.com/beego/beego/v2/server/web/context"
)

// CORS 跨域过滤器。allowed 为空时回显任意来源
func CORS(allowed ...string) web.FilterFunc {
	allow := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		allow[o] = struct{}{}
	}

	return func(ctx *context.Context) {
		origin := ctx.Input.Header("Origin")
		if origin != "" {
			if _, ok := allow[origin]; ok || len(allow) == 0 {
				ctx.Output.Header("Access-Control-Allow-Origin", origin)
				ctx.Output.Header("Vary", "Origin")
			}
		}
		ctx.Output.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		ctx.Output.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin")
		ctx.Output.Header("Access-Control-Allow-Credentials", "true")
		ctx.Output.Header("Access-Control-Max-Age", "3600")

		// 预检请求直接返回
		if ctx.Input.Method() == http.MethodOptions {
			ctx.Output.SetStatus(http.StatusNoContent)
			_ = ctx.Output.Body([]byte(""))
		}
	}
}
