package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer  ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"

	// 验证错误
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"
	ErrCodeFileTooLarge      ErrorCode = "FILE_TOO_LARGE"

	// 业务逻辑错误
	ErrCodeResourceNotFound ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// 文档处理错误
	ErrCodeExtraction ErrorCode = "EXTRACTION_ERROR"

	// 外部服务错误
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeDatabaseError       ErrorCode = "DATABASE_ERROR"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// String 返回错误类型字符串
func (t ErrorType) String() string {
	switch t {
	case ErrorTypeSystem:
		return "system"
	case ErrorTypeBusiness:
		return "business"
	case ErrorTypeValidation:
		return "validation"
	case ErrorTypeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// AppError 应用错误结构体
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Type     ErrorType   `json:"type"`
	HTTPCode int         `json:"-"`
	Details  interface{} `json:"details,omitempty"`
	Cause    error       `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// 错误构造函数

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeSystem,
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewBusinessError 创建业务错误
func NewBusinessError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeBusiness,
		HTTPCode: getHTTPCodeForError(code),
	}
}

// NewNotFoundError 创建资源未找到错误
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:     ErrCodeResourceNotFound,
		Message:  fmt.Sprintf("%s not found", resource),
		Type:     ErrorTypeBusiness,
		HTTPCode: http.StatusNotFound,
	}
}

// NewInvalidInputError 创建输入无效错误
func NewInvalidInputError(field, reason string) *AppError {
	return &AppError{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("Invalid input for field '%s': %s", field, reason),
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewUnsupportedFormatError 不支持的文件类型，属于输入错误
func NewUnsupportedFormatError(ext string) *AppError {
	return &AppError{
		Code:     ErrCodeUnsupportedFormat,
		Message:  fmt.Sprintf("unsupported file format %q", ext),
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusUnsupportedMediaType,
		Details:  map[string]string{"extension": ext},
	}
}

// NewExtractionError 文档无法解析，调用方不应重试
func NewExtractionError(filename string, cause error) *AppError {
	return &AppError{
		Code:     ErrCodeExtraction,
		Message:  fmt.Sprintf("failed to extract text from %s", filename),
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusUnprocessableEntity,
		Cause:    cause,
	}
}

// NewUpstreamUnavailableError 外部能力（embedding/generation/index）在重试预算耗尽后仍不可用
func NewUpstreamUnavailableError(service string, cause error) *AppError {
	return &AppError{
		Code:     ErrCodeUpstreamUnavailable,
		Message:  fmt.Sprintf("%s is unavailable", service),
		Type:     ErrorTypeExternal,
		HTTPCode: http.StatusServiceUnavailable,
		Details:  map[string]string{"service": service},
		Cause:    cause,
	}
}

// NewUnauthorizedError 认证失败
func NewUnauthorizedError() *AppError {
	return &AppError{
		Code:     ErrCodeUnauthorized,
		Message:  "Invalid authentication credentials",
		Type:     ErrorTypeBusiness,
		HTTPCode: http.StatusUnauthorized,
	}
}

// getHTTPCodeForError 根据错误码获取HTTP状态码
func getHTTPCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeResourceNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeTooManyRequests:
		return http.StatusTooManyRequests
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case ErrCodeExtraction:
		return http.StatusUnprocessableEntity
	case ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsAppError 检查错误链中是否有AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// Is 判断错误链中是否包含指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}
