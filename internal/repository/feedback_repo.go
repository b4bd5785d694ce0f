package repository

import (
	"context"

	"github.com/aihub/rag-go/internal/models"
	"gorm.io/gorm"
)

// feedbackRepository 反馈仓库实现
type feedbackRepository struct {
	db *gorm.DB
}

// NewFeedbackRepository 创建反馈仓库
func NewFeedbackRepository(db *gorm.DB) FeedbackRepository {
	return &feedbackRepository{db: db}
}

// GetDB 获取数据库连接
func (r *feedbackRepository) GetDB() *gorm.DB {
	return r.db
}

// Create 保存反馈
func (r *feedbackRepository) Create(ctx context.Context, fb *models.Feedback) error {
	return r.db.WithContext(ctx).Create(fb).Error
}

// List 按时间倒序列出反馈
func (r *feedbackRepository) List(ctx context.Context, limit int) ([]models.Feedback, error) {
	var items []models.Feedback
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
