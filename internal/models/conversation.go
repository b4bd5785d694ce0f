package models

import (
	"time"
)

// MessageSource 回答引用的来源
type MessageSource struct {
	Filename string `json:"filename"`
	Page     *int   `json:"page,omitempty"`
}

// ChatMessage 会话消息表，同一会话内按 (created_at, seq) 排序
type ChatMessage struct {
	ID        uint            `gorm:"primaryKey;column:id" json:"id"`
	SessionID string          `gorm:"column:session_id;size:64;not null;uniqueIndex:idx_chat_messages_session_seq,priority:1" json:"session_id"`
	Seq       int64           `gorm:"column:seq;not null;uniqueIndex:idx_chat_messages_session_seq,priority:2" json:"seq"`
	Role      string          `gorm:"column:role;size:10;not null" json:"role"`
	Message   string          `gorm:"type:text;not null" json:"message"`
	Sources   []MessageSource `gorm:"column:sources;type:jsonb;serializer:json" json:"sources,omitempty"`
	CreatedAt time.Time       `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (ChatMessage) TableName() string {
	return "chat_messages"
}

// Feedback 用户对回答的评分
type Feedback struct {
	FeedbackID string    `gorm:"primaryKey;column:feedback_id;size:64" json:"feedback_id"`
	SessionID  string    `gorm:"column:session_id;size:64;not null;index" json:"session_id"`
	Question   string    `gorm:"type:text;not null" json:"question"`
	Answer     string    `gorm:"type:text;not null" json:"answer"`
	Rating     int       `gorm:"column:rating;not null" json:"rating"`
	Comments   *string   `gorm:"type:text;column:comments" json:"comments,omitempty"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (Feedback) TableName() string {
	return "feedback"
}
