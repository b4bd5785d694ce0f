package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/rag-go/internal/metrics"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventDocumentIndexed = "document.indexed"
	EventDocumentFailed  = "document.failed"
	EventDocumentDeleted = "document.deleted"
	EventChatAnswered    = "chat.answered"
)

// Event 文档与对话生命周期事件
type Event struct {
	Type        string    `json:"type"`
	DocID       string    `json:"doc_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	TotalChunks int       `json:"total_chunks,omitempty"`
	Sources     int       `json:"sources,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Key 同一文档或会话的事件落到同一分区
func (e Event) Key() string {
	if e.DocID != "" {
		return e.DocID
	}
	return e.SessionID
}

// EventPublisher 事件发布
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Producer Kafka生产者
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// NewProducerConfig 生产者配置，等待全部副本确认
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second
	return config
}

// NewProducer 连接Kafka并创建生产者
func NewProducer(brokers []string, topic string, log *zap.Logger) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	p := NewProducerFromClient(producer, topic, log)
	p.logger.Info("Kafka生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return p, nil
}

// NewProducerFromClient 使用已有的 SyncProducer
func NewProducerFromClient(producer sarama.SyncProducer, topic string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{producer: producer, topic: topic, logger: log}
}

// Publish 发送事件到Kafka
func (p *Producer) Publish(ctx context.Context, event Event) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(event.Type, "error").Inc()
		p.logger.Error("发送Kafka消息失败", zap.String("type", event.Type), zap.Error(err))
		return fmt.Errorf("发送消息失败: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(event.Type, "ok").Inc()

	p.logger.Debug("Kafka消息发送成功",
		zap.String("type", event.Type),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// NoopPublisher Kafka未启用时丢弃事件
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                         { return nil }
