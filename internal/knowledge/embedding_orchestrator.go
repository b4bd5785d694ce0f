package knowledge

import (
	"context"
	"fmt"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/metrics"
	"github.com/aihub/rag-go/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// OrchestratorOptions 批量向量化参数
type OrchestratorOptions struct {
	BatchSize         int
	MaxParallel       int
	RequestsPerSecond float64 // <=0 表示不限速
	Policy            *resilience.RetryPolicy
	QueryPolicy       *resilience.RetryPolicy
}

// EmbeddingOrchestrator 负责分批、并发、限速与重试
type EmbeddingOrchestrator struct {
	embedder    Embedder
	batchSize   int
	maxParallel int
	limiter     *rate.Limiter
	policy      *resilience.RetryPolicy
	queryPolicy *resilience.RetryPolicy
	logger      *zap.Logger
}

// NewEmbeddingOrchestrator 创建向量化编排器
func NewEmbeddingOrchestrator(embedder Embedder, opts OrchestratorOptions, logger *zap.Logger) *EmbeddingOrchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 16
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.Policy == nil {
		opts.Policy = resilience.NewRetryPolicy(1, 0, 0, 0)
	}
	if opts.QueryPolicy == nil {
		opts.QueryPolicy = opts.Policy
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.MaxParallel
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &EmbeddingOrchestrator{
		embedder:    embedder,
		batchSize:   opts.BatchSize,
		maxParallel: opts.MaxParallel,
		limiter:     limiter,
		policy:      opts.Policy,
		queryPolicy: opts.QueryPolicy,
		logger:      logger,
	}
}

// Model 当前向量模型标识
func (o *EmbeddingOrchestrator) Model() string {
	return o.embedder.Model()
}

// Dimensions 向量维度
func (o *EmbeddingOrchestrator) Dimensions() int {
	return o.embedder.Dimensions()
}

// Embedder 返回底层向量化实现
func (o *EmbeddingOrchestrator) Embedder() Embedder {
	return o.embedder
}

// EmbedBatch 对所有文本向量化，结果与输入一一对应。任何一批失败则整体失败，不返回部分结果
func (o *EmbeddingOrchestrator) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)

	for start := 0; start < len(texts); start += o.batchSize {
		end := start + o.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, batch := start, texts[start:end]

		g.Go(func() error {
			vectors, err := o.embedWithRetry(gctx, o.policy, "ingest", batch)
			if err != nil {
				return fmt.Errorf("batch %d-%d: %w", start, start+len(batch), err)
			}
			copy(results[start:], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.EmbeddingFailures.WithLabelValues("ingest").Inc()
		o.logger.Warn("批量向量化失败", zap.Int("texts", len(texts)), zap.Error(err))
		return nil, apperrors.NewUpstreamUnavailableError("embedding", err)
	}
	return results, nil
}

// EmbedOne 查询路径的单条向量化，使用更小的重试预算
func (o *EmbeddingOrchestrator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.embedWithRetry(ctx, o.queryPolicy, "query", []string{text})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.EmbeddingFailures.WithLabelValues("query").Inc()
		return nil, apperrors.NewUpstreamUnavailableError("embedding", err)
	}
	return vectors[0], nil
}

func (o *EmbeddingOrchestrator) embedWithRetry(ctx context.Context, policy *resilience.RetryPolicy, path string, batch []string) ([][]float32, error) {
	var vectors [][]float32
	attempt := 0
	err := policy.Do(ctx, func(actx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.EmbeddingRetries.WithLabelValues(path).Inc()
			o.logger.Debug("重试向量化请求", zap.String("path", path), zap.Int("attempt", attempt))
		}

		if o.limiter != nil {
			if err := o.limiter.Wait(actx); err != nil {
				return err
			}
		}

		out, err := o.embedder.Embed(actx, batch)
		if err != nil {
			return err
		}
		if err := o.validate(batch, out); err != nil {
			return resilience.Permanent(err)
		}
		vectors = out
		return nil
	})
	return vectors, err
}

func (o *EmbeddingOrchestrator) validate(batch []string, vectors [][]float32) error {
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	dims := o.embedder.Dimensions()
	for i, vec := range vectors {
		if len(vec) == 0 {
			return fmt.Errorf("embedder returned empty vector at %d", i)
		}
		if dims > 0 && len(vec) != dims {
			return fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(vec), dims)
		}
	}
	return nil
}
