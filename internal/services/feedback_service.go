package services

import (
	"context"
	"reflect"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeedbackInput 用户反馈
type FeedbackInput struct {
	SessionID string  `json:"session_id" validate:"required,max=64"`
	Question  string  `json:"question" validate:"required"`
	Answer    string  `json:"answer" validate:"required"`
	Rating    int     `json:"rating" validate:"min=1,max=5"`
	Comments  *string `json:"comments,omitempty"`
}

// NewValidator 创建校验器，错误字段名使用 json 标签
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// FeedbackService 反馈记录
type FeedbackService struct {
	repo     repository.FeedbackRepository
	validate *validator.Validate
	logger   *zap.Logger
	newID    func() string
	now      func() time.Time
}

// NewFeedbackService 创建反馈服务
func NewFeedbackService(repo repository.FeedbackRepository, logger *zap.Logger) *FeedbackService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedbackService{
		repo:     repo,
		validate: NewValidator(),
		logger:   logger,
		newID:    uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Record 校验并保存反馈，返回 feedback_id
func (s *FeedbackService) Record(ctx context.Context, in FeedbackInput) (string, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.Question = strings.TrimSpace(in.Question)
	in.Answer = strings.TrimSpace(in.Answer)
	if err := s.validate.Struct(in); err != nil {
		return "", apperrors.Translate(err)
	}

	fb := &models.Feedback{
		FeedbackID: s.newID(),
		SessionID:  in.SessionID,
		Question:   in.Question,
		Answer:     in.Answer,
		Rating:     in.Rating,
		Comments:   in.Comments,
		CreatedAt:  s.now(),
	}
	if err := s.repo.Create(ctx, fb); err != nil {
		return "", apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to save feedback").WithCause(err)
	}

	s.logger.Info("收到反馈", zap.String("feedback_id", fb.FeedbackID), zap.Int("rating", fb.Rating))
	return fb.FeedbackID, nil
}

// List 最近的反馈
func (s *FeedbackService) List(ctx context.Context, limit int) ([]models.Feedback, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list feedback").WithCause(err)
	}
	return items, nil
}
