package repository

import (
	"context"
	"errors"

	"github.com/aihub/rag-go/internal/models"
	"gorm.io/gorm"
)

// messageRepository 会话消息仓库实现
type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository 创建会话消息仓库
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

// GetDB 获取数据库连接
func (r *messageRepository) GetDB() *gorm.DB {
	return r.db
}

// AppendBatch 事务内批量追加
func (r *messageRepository) AppendBatch(ctx context.Context, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&msgs).Error
	})
}

// LastMessage 获取会话最后一条消息
func (r *messageRepository) LastMessage(ctx context.Context, sessionID string) (*models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListRecent 获取最近的消息，返回时间正序
func (r *messageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	query := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&msgs).Error; err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
