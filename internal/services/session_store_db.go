package services

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
)

// DBSessionStore 基于 chat_messages 表的会话存储
type DBSessionStore struct {
	repo  repository.MessageRepository
	locks *KeyedMutex
	now   func() time.Time
}

// NewDBSessionStore 创建数据库会话存储
func NewDBSessionStore(repo repository.MessageRepository) *DBSessionStore {
	return &DBSessionStore{
		repo:  repo,
		locks: NewKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *DBSessionStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	last, err := s.repo.LastMessage(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("read last session message: %w", err)
	}
	var (
		seq      int64
		lastTime time.Time
	)
	if last != nil {
		seq = last.Seq
		lastTime = last.CreatedAt
	}

	stamped := stampMessages(sessionID, lastTime, s.now(), msgs)
	rows := make([]models.ChatMessage, 0, len(stamped))
	for _, m := range stamped {
		seq++
		rows = append(rows, models.ChatMessage{
			SessionID: sessionID,
			Seq:       seq,
			Role:      m.Role,
			Message:   m.Text,
			Sources:   toMessageSources(m.Sources),
			CreatedAt: m.Timestamp,
		})
	}
	return s.repo.AppendBatch(ctx, rows)
}

func (s *DBSessionStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.repo.ListRecent(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, Message{
			SessionID: r.SessionID,
			Role:      r.Role,
			Text:      r.Message,
			Timestamp: r.CreatedAt,
			Sources:   fromMessageSources(r.Sources),
		})
	}
	return out, nil
}

func toMessageSources(sources []Source) []models.MessageSource {
	if len(sources) == 0 {
		return nil
	}
	out := make([]models.MessageSource, len(sources))
	for i, s := range sources {
		out[i] = models.MessageSource{Filename: s.Filename, Page: s.Page}
	}
	return out
}

func fromMessageSources(sources []models.MessageSource) []Source {
	if len(sources) == 0 {
		return nil
	}
	out := make([]Source, len(sources))
	for i, s := range sources {
		out[i] = Source{Filename: s.Filename, Page: s.Page}
	}
	return out
}
