package repository

import (
	"context"
	"errors"

	"github.com/aihub/rag-go/internal/models"
	"gorm.io/gorm"
)

// ErrStaleState 条件更新未命中（记录不存在或状态已变化）
var ErrStaleState = errors.New("record not in expected state")

// Repository 基础仓库接口
type Repository interface {
	GetDB() *gorm.DB
}

// DocumentRepository 文档登记仓库接口
type DocumentRepository interface {
	Repository
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, docID string) (*models.Document, error)
	List(ctx context.Context, offset, limit int) ([]models.Document, int64, error)
	// UpdateStatus 仅当当前状态为 from 时更新，否则返回 ErrStaleState
	UpdateStatus(ctx context.Context, docID, from string, updates map[string]interface{}) error
	Delete(ctx context.Context, docID string) error
	// FilterByStatus 返回 docIDs 中处于指定状态的子集
	FilterByStatus(ctx context.Context, docIDs []string, status string) ([]string, error)
}

// MessageRepository 会话消息仓库接口
type MessageRepository interface {
	Repository
	// AppendBatch 在一个事务内追加同一会话的多条消息
	AppendBatch(ctx context.Context, msgs []models.ChatMessage) error
	// LastMessage 返回会话最后一条消息，没有时返回 nil
	LastMessage(ctx context.Context, sessionID string) (*models.ChatMessage, error)
	// ListRecent 返回会话最近 limit 条消息（时间正序），limit<=0 返回全部
	ListRecent(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// FeedbackRepository 反馈仓库接口
type FeedbackRepository interface {
	Repository
	Create(ctx context.Context, fb *models.Feedback) error
	List(ctx context.Context, limit int) ([]models.Feedback, error)
}
