package models

import (
	"time"
)

// 文档状态
const (
	DocumentStatusPending = "pending"
	DocumentStatusIndexed = "indexed"
	DocumentStatusFailed  = "failed"
)

// Document 文档登记表，只有 indexed 状态的文档参与检索
type Document struct {
	DocID        string    `gorm:"primaryKey;column:doc_id;size:64" json:"doc_id"`
	Filename     string    `gorm:"column:filename;size:1024;not null" json:"filename"`
	FileSize     int64     `gorm:"column:file_size;not null" json:"file_size"`
	FileType     string    `gorm:"column:file_type;size:32;not null" json:"file_type"`
	Status       string    `gorm:"column:status;size:20;not null;index" json:"status"`
	TotalChunks  int       `gorm:"column:total_chunks;default:0" json:"total_chunks"`
	ModelVersion string    `gorm:"column:model_version;size:128" json:"model_version,omitempty"`
	StorageKey   string    `gorm:"column:storage_key;size:1024" json:"-"`
	Error        string    `gorm:"type:text;column:error" json:"error,omitempty"`
	UploadedAt   time.Time `gorm:"column:upload_timestamp;not null;index" json:"upload_timestamp"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

// IsVisible 是否可被检索
func (d *Document) IsVisible() bool {
	return d.Status == DocumentStatusIndexed
}
