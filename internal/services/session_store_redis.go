package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "rag:session:"

// RedisSessionStore 每个会话一个Redis列表，RPUSH 追加
type RedisSessionStore struct {
	client redis.Cmdable
	ttl    time.Duration
	locks  *KeyedMutex
	now    func() time.Time
}

// NewRedisSessionStore 创建Redis会话存储，ttl<=0 表示不过期
func NewRedisSessionStore(client redis.Cmdable, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{
		client: client,
		ttl:    ttl,
		locks:  NewKeyedMutex(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func (s *RedisSessionStore) Append(ctx context.Context, sessionID string, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	key := sessionKey(sessionID)
	var last time.Time
	raw, err := s.client.LIndex(ctx, key, -1).Result()
	switch {
	case err == redis.Nil:
	case err != nil:
		return fmt.Errorf("read last session message: %w", err)
	default:
		var prev Message
		if err := json.Unmarshal([]byte(raw), &prev); err == nil {
			last = prev.Timestamp
		}
	}

	stamped := stampMessages(sessionID, last, s.now(), msgs)
	values := make([]interface{}, 0, len(stamped))
	for _, m := range stamped {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode session message: %w", err)
		}
		values = append(values, data)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append session messages: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	items, err := s.client.LRange(ctx, sessionKey(sessionID), start, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read session history: %w", err)
	}

	out := make([]Message, 0, len(items))
	for _, item := range items {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode session message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Ping 存储探活
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
