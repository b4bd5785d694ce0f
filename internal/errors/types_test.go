package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestAppError_HTTPCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		code ErrorCode
		http int
	}{
		{"invalid input", NewInvalidInputError("rating", "must be at most 5"), ErrCodeInvalidInput, http.StatusBadRequest},
		{"unsupported format", NewUnsupportedFormatError(".docx"), ErrCodeUnsupportedFormat, http.StatusUnsupportedMediaType},
		{"extraction", NewExtractionError("a.pdf", fmt.Errorf("bad xref")), ErrCodeExtraction, http.StatusUnprocessableEntity},
		{"upstream", NewUpstreamUnavailableError("embedding", nil), ErrCodeUpstreamUnavailable, http.StatusServiceUnavailable},
		{"not found", NewNotFoundError("document"), ErrCodeResourceNotFound, http.StatusNotFound},
		{"unauthorized", NewUnauthorizedError(), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"business state", NewBusinessError(ErrCodeInvalidState, "bad transition"), ErrCodeInvalidState, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.http, tt.err.HTTPCode)
		})
	}
}

func TestIs_WalksWrappedChain(t *testing.T) {
	base := NewUpstreamUnavailableError("generation", context.DeadlineExceeded)
	wrapped := fmt.Errorf("ask: %w", base)

	assert.True(t, Is(wrapped, ErrCodeUpstreamUnavailable))
	assert.False(t, Is(wrapped, ErrCodeInvalidInput))
	assert.True(t, IsAppError(wrapped))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

func TestGetAppError_WrapsPlainErrors(t *testing.T) {
	appErr := GetAppError(fmt.Errorf("boom"))
	assert.Equal(t, ErrCodeInternalServer, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.HTTPCode)
	assert.EqualError(t, appErr, "Internal server error: boom")
}

func TestTranslate(t *testing.T) {
	type payload struct {
		Rating int `validate:"min=1,max=5"`
	}
	verr := validator.New().Struct(payload{Rating: 6})
	require.Error(t, verr)

	appErr := Translate(verr)
	assert.Equal(t, ErrCodeInvalidInput, appErr.Code)
	assert.Contains(t, appErr.Message, "Rating")

	assert.Equal(t, ErrCodeResourceNotFound, Translate(gorm.ErrRecordNotFound).Code)
	assert.Equal(t, ErrCodeUpstreamUnavailable, Translate(context.DeadlineExceeded).Code)
	assert.Equal(t, ErrCodeInternalServer, Translate(fmt.Errorf("unexpected")).Code)
	assert.Nil(t, Translate(nil))
}
