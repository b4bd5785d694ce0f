package errors

import (
	"go.uber.org/zap"
)

// Response 构建统一的错误响应体 {"success": false, "error": {...}}
func Response(appErr *AppError) map[string]interface{} {
	body := map[string]interface{}{
		"code":    string(appErr.Code),
		"message": appErr.Message,
	}
	if appErr.Details != nil && shouldIncludeDetails(appErr) {
		body["details"] = appErr.Details
	}
	return map[string]interface{}{
		"success": false,
		"error":   body,
	}
}

// Log 按错误类型选择日志级别记录请求错误
func Log(logger *zap.Logger, appErr *AppError, method, path string) {
	fields := []zap.Field{
		zap.String("error_code", string(appErr.Code)),
		zap.String("error_type", appErr.Type.String()),
		zap.Int("http_code", appErr.HTTPCode),
		zap.String("method", method),
		zap.String("path", path),
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.NamedError("cause", appErr.Cause))
	}

	switch appErr.Type {
	case ErrorTypeSystem:
		logger.Error(appErr.Message, fields...)
	case ErrorTypeBusiness, ErrorTypeExternal:
		logger.Warn(appErr.Message, fields...)
	default:
		logger.Info(appErr.Message, fields...)
	}
}

// shouldIncludeDetails 系统错误和外部错误不暴露详情
func shouldIncludeDetails(appErr *AppError) bool {
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeBusiness:
		return true
	default:
		return false
	}
}
