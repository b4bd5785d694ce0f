package errors

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Translate 将各种类型的错误转换为AppError
func Translate(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}

	var validationErrors validator.ValidationErrors
	if stderrors.As(err, &validationErrors) {
		return translateValidationErrors(validationErrors)
	}

	if stderrors.Is(err, gorm.ErrRecordNotFound) || stderrors.Is(err, sql.ErrNoRows) {
		return NewNotFoundError("resource").WithCause(err)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewUpstreamUnavailableError("upstream", err)
	}

	var netErr *net.OpError
	if stderrors.As(err, &netErr) {
		return NewUpstreamUnavailableError("network", err)
	}

	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "timeout") {
		return NewUpstreamUnavailableError("upstream", err)
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}

// translateValidationErrors 转换验证错误，第一个字段错误作为主消息
func translateValidationErrors(validationErrors validator.ValidationErrors) *AppError {
	details := make([]map[string]interface{}, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		details = append(details, map[string]interface{}{
			"field":   fieldError.Field(),
			"tag":     fieldError.Tag(),
			"message": validationMessage(fieldError),
		})
	}

	field, reason := "request", "validation failed"
	if len(validationErrors) > 0 {
		field = validationErrors[0].Field()
		reason = validationMessage(validationErrors[0])
	}

	return NewInvalidInputError(field, reason).
		WithCause(validationErrors).
		WithDetails(map[string]interface{}{"errors": details})
}

// validationMessage 获取验证错误消息
func validationMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()

	switch fieldError.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return field + " must be at least " + fieldError.Param()
	case "max", "lte":
		return field + " must be at most " + fieldError.Param()
	case "oneof":
		return field + " must be one of: " + fieldError.Param()
	default:
		return field + " is invalid"
	}
}
