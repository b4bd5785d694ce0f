package services

import (
	"context"
	"sync"
	"time"
)

// Source 回答引用的来源（文件名 + 可选页码）
type Source struct {
	Filename string `json:"filename"`
	Page     *int   `json:"page,omitempty"`
}

// Message 会话中的一条消息
type Message struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Sources   []Source  `json:"sources,omitempty"`
}

// SessionStore 会话历史存储。
// 同一会话的 Append 按到达顺序串行执行，一次 Append 的消息保持连续，
// 时间戳在会话内单调不减。未知会话返回空切片。
type SessionStore interface {
	Append(ctx context.Context, sessionID string, msgs ...Message) error
	// History 返回最近 limit 条消息（时间正序），limit<=0 返回全部
	History(ctx context.Context, sessionID string, limit int) ([]Message, error)
}

// stampMessages 填充会话ID并保证时间戳不早于 last
func stampMessages(sessionID string, last time.Time, now time.Time, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	prev := last
	for i, m := range msgs {
		m.SessionID = sessionID
		ts := m.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if ts.Before(prev) {
			ts = prev
		}
		m.Timestamp = ts
		prev = ts
		out[i] = m
	}
	return out
}

// tail 取最后 limit 条
func tail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// MemorySessionStore 进程内会话存储
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string][]Message
	now      func() time.Time
}

// NewMemorySessionStore 创建进程内会话存储
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemorySessionStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.sessions[sessionID]
	var last time.Time
	if n := len(existing); n > 0 {
		last = existing[n-1].Timestamp
	}
	s.sessions[sessionID] = append(existing, stampMessages(sessionID, last, s.now(), msgs)...)
	return nil
}

func (s *MemorySessionStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return tail(s.sessions[sessionID], limit), nil
}
