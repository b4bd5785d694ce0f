package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/logger"
	"github.com/beego/beego/v2/server/web"
)

const maxJSONBody = 1 << 20

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSONStatus(http.StatusOK, data)
}

// JSONStatus writes a success envelope with a custom status code.
func (c *BaseController) JSONStatus(status int, data interface{}) {
	c.JSON(status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError maps err to an AppError and writes the error envelope.
func (c *BaseController) JSONError(err error) {
	appErr := apperrors.GetAppError(err)
	apperrors.Log(logger.Named("http"), appErr, c.Ctx.Input.Method(), c.Ctx.Input.URL())
	c.JSON(appErr.HTTPCode, apperrors.Response(appErr))
}

// decodeJSON 解析请求体，失败返回 INVALID_INPUT
func (c *BaseController) decodeJSON(v interface{}) error {
	body := c.Ctx.Input.RequestBody
	if len(body) == 0 {
		body = c.Ctx.Input.CopyBody(maxJSONBody)
	}
	if len(body) == 0 {
		return apperrors.NewInvalidInputError("body", "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperrors.NewInvalidInputError("body", "malformed JSON").WithCause(err)
	}
	return nil
}

// intQuery 读取整数查询参数，缺省返回 def
func (c *BaseController) intQuery(key string, def int) (int, error) {
	raw := strings.TrimSpace(c.GetString(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperrors.NewInvalidInputError(key, "must be an integer")
	}
	return v, nil
}
