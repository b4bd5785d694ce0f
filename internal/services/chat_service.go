package services

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/kafka"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/metrics"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/resilience"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FallbackAnswer 生成失败时返回的兜底回答
const FallbackAnswer = "I'm sorry, I couldn't generate an answer right now. Please try again in a moment."

var errEmptyAnswer = errors.New("generator returned an empty answer")

// DocumentFilter 检索结果可见性过滤（只保留 indexed 文档）
type DocumentFilter interface {
	FilterByStatus(ctx context.Context, docIDs []string, status string) ([]string, error)
}

// ChatOptions 检索参数
type ChatOptions struct {
	TopK     int
	MinScore *float64
}

// AskResult 问答结果
type AskResult struct {
	SessionID string   `json:"session_id"`
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	Fallback  bool     `json:"-"`
}

// ChatService 检索增强问答
type ChatService struct {
	embeddings  *knowledge.EmbeddingOrchestrator
	index       knowledge.VectorIndex
	docs        DocumentFilter
	sessions    SessionStore
	assembler   *ContextAssembler
	generator   knowledge.Generator
	genPolicy   *resilience.RetryPolicy
	queryPolicy *resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	events      kafka.EventPublisher
	opts        ChatOptions
	logger      *zap.Logger
	newID       func() string
}

// ChatDeps 问答服务依赖
type ChatDeps struct {
	Embeddings  *knowledge.EmbeddingOrchestrator
	Index       knowledge.VectorIndex
	Docs        DocumentFilter
	Sessions    SessionStore
	Assembler   *ContextAssembler
	Generator   knowledge.Generator
	GenPolicy   *resilience.RetryPolicy
	QueryPolicy *resilience.RetryPolicy
	Breaker     *resilience.CircuitBreaker
	Events      kafka.EventPublisher
	Logger      *zap.Logger
}

// NewChatService 创建问答服务
func NewChatService(deps ChatDeps, opts ChatOptions) *ChatService {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if deps.GenPolicy == nil {
		deps.GenPolicy = resilience.NewRetryPolicy(1, 0, 0, 0)
	}
	if deps.QueryPolicy == nil {
		deps.QueryPolicy = resilience.NewRetryPolicy(1, 0, 0, 0)
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewCircuitBreaker("generation", 5, 1, 30*time.Second)
	}
	if deps.Events == nil {
		deps.Events = kafka.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Assembler == nil {
		deps.Assembler = NewContextAssembler(AssemblerOptions{})
	}
	return &ChatService{
		embeddings:  deps.Embeddings,
		index:       deps.Index,
		docs:        deps.Docs,
		sessions:    deps.Sessions,
		assembler:   deps.Assembler,
		generator:   deps.Generator,
		genPolicy:   deps.GenPolicy,
		queryPolicy: deps.QueryPolicy,
		breaker:     deps.Breaker,
		events:      deps.Events,
		opts:        opts,
		logger:      deps.Logger,
		newID:       uuid.NewString,
	}
}

// Ask 回答问题并把问答写入会话历史
func (s *ChatService) Ask(ctx context.Context, question, sessionID string) (*AskResult, error) {
	start := time.Now()
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperrors.NewInvalidInputError("question", "must not be empty")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = s.newID()
	}

	result, err := s.ask(ctx, question, sessionID)
	outcome := "answered"
	switch {
	case err != nil:
		outcome = "error"
	case result.Fallback:
		outcome = "fallback"
	}
	metrics.ChatRequests.WithLabelValues(outcome).Inc()
	metrics.ChatDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (s *ChatService) ask(ctx context.Context, question, sessionID string) (*AskResult, error) {
	vector, err := s.embeddings.EmbedOne(ctx, question)
	if err != nil {
		return nil, err
	}

	matches, err := s.retrieve(ctx, vector)
	if err != nil {
		return nil, err
	}

	history, err := s.sessions.History(ctx, sessionID, s.assembler.HistoryWindow())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("读取会话历史失败，忽略历史继续回答", zap.String("session_id", sessionID), zap.Error(err))
		history = nil
	}

	asm := s.assembler.Assemble(question, matches, history)

	answer, err := s.generate(ctx, asm.Prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("生成回答失败，返回兜底回答", zap.String("session_id", sessionID), zap.Error(err))
		return &AskResult{SessionID: sessionID, Answer: FallbackAnswer, Sources: []Source{}, Fallback: true}, nil
	}

	err = s.sessions.Append(ctx, sessionID,
		Message{Role: knowledge.RoleUser, Text: question},
		Message{Role: knowledge.RoleBot, Text: answer, Sources: asm.Sources},
	)
	if err != nil {
		s.logger.Error("写入会话历史失败", zap.String("session_id", sessionID), zap.Error(err))
	}

	if err := s.events.Publish(ctx, kafka.Event{
		Type:      kafka.EventChatAnswered,
		SessionID: sessionID,
		Sources:   len(asm.Sources),
	}); err != nil {
		s.logger.Warn("发布对话事件失败", zap.Error(err))
	}

	return &AskResult{SessionID: sessionID, Answer: answer, Sources: asm.Sources}, nil
}

const (
	// retrieveOverFetch 首轮取回 top_k 的倍数，给入库中文档的向量留出余量
	retrieveOverFetch = 4
	retrieveFetchCap  = 512
)

// retrieve 查询向量索引并过滤掉未完成索引的文档
// 可见结果不足 top_k 且索引还有更多结果时，加倍取回数量重查
func (s *ChatService) retrieve(ctx context.Context, vector []float32) ([]knowledge.Match, error) {
	want := s.opts.TopK
	fetch := want * retrieveOverFetch
	for {
		matches, err := s.queryIndex(ctx, vector, fetch)
		if err != nil {
			return nil, err
		}
		visible, err := s.visibleMatches(ctx, matches)
		if err != nil {
			return nil, err
		}

		exhausted := len(matches) < fetch || fetch >= retrieveFetchCap
		if len(visible) >= want || exhausted {
			if len(visible) > want {
				visible = visible[:want]
			}
			return visible, nil
		}
		fetch *= 2
		if fetch > retrieveFetchCap {
			fetch = retrieveFetchCap
		}
	}
}

func (s *ChatService) queryIndex(ctx context.Context, vector []float32, topK int) ([]knowledge.Match, error) {
	var matches []knowledge.Match
	err := s.queryPolicy.Do(ctx, func(ctx context.Context) error {
		var qerr error
		matches, qerr = s.index.Query(ctx, vector, knowledge.QueryOptions{
			TopK:     topK,
			MinScore: s.opts.MinScore,
		})
		return qerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewUpstreamUnavailableError("vector index", err)
	}
	return matches, nil
}

// visibleMatches 只保留状态为 indexed 的文档的命中，保持原有顺序
func (s *ChatService) visibleMatches(ctx context.Context, matches []knowledge.Match) ([]knowledge.Match, error) {
	if len(matches) == 0 {
		return matches, nil
	}

	ids := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.DocID]; !ok {
			seen[m.DocID] = struct{}{}
			ids = append(ids, m.DocID)
		}
	}
	visible, err := s.docs.FilterByStatus(ctx, ids, models.DocumentStatusIndexed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewUpstreamUnavailableError("document registry", err)
	}
	allowed := make(map[string]struct{}, len(visible))
	for _, id := range visible {
		allowed[id] = struct{}{}
	}

	out := make([]knowledge.Match, 0, len(matches))
	for _, m := range matches {
		if _, ok := allowed[m.DocID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// generate 熔断器内按重试策略调用生成能力
func (s *ChatService) generate(ctx context.Context, prompt knowledge.Prompt) (string, error) {
	var answer string
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		return s.genPolicy.Do(ctx, func(ctx context.Context) error {
			text, err := s.generator.Generate(ctx, prompt)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errEmptyAnswer
			}
			answer = text
			return nil
		})
	})
	return answer, err
}

// History 读取会话历史，未知会话返回空列表
func (s *ChatService) History(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.NewInvalidInputError("session_id", "must not be empty")
	}
	msgs, err := s.sessions.History(ctx, sessionID, limit)
	if err != nil {
		return nil, apperrors.NewUpstreamUnavailableError("session store", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}
