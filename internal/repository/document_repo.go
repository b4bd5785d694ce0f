package repository

import (
	"context"

	"github.com/aihub/rag-go/internal/models"
	"gorm.io/gorm"
)

// documentRepository 文档仓库实现
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建文档仓库
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// GetDB 获取数据库连接
func (r *documentRepository) GetDB() *gorm.DB {
	return r.db
}

// Create 创建文档记录
func (r *documentRepository) Create(ctx context.Context, doc *models.Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

// GetByID 根据doc_id获取文档
func (r *documentRepository) GetByID(ctx context.Context, docID string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).Where("doc_id = ?", docID).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List 按上传时间倒序分页列出文档
func (r *documentRepository) List(ctx context.Context, offset, limit int) ([]models.Document, int64, error) {
	var docs []models.Document
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Document{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := query.Order("upload_timestamp DESC").Offset(offset).Limit(limit).Find(&docs).Error; err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

// UpdateStatus 条件更新文档状态
func (r *documentRepository) UpdateStatus(ctx context.Context, docID, from string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("doc_id = ? AND status = ?", docID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleState
	}
	return nil
}

// Delete 删除文档记录
func (r *documentRepository) Delete(ctx context.Context, docID string) error {
	return r.db.WithContext(ctx).Where("doc_id = ?", docID).Delete(&models.Document{}).Error
}

// FilterByStatus 过滤出指定状态的文档
func (r *documentRepository) FilterByStatus(ctx context.Context, docIDs []string, status string) ([]string, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Document{}).
		Where("doc_id IN ? AND status = ?", docIDs, status).
		Pluck("doc_id", &ids).Error
	return ids, err
}
