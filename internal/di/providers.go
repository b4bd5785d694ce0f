package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aihub/rag-go/internal/config"
	"github.com/aihub/rag-go/internal/database"
	"github.com/aihub/rag-go/internal/kafka"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/aihub/rag-go/internal/resilience"
	"github.com/aihub/rag-go/internal/services"
	"github.com/aihub/rag-go/internal/storage"
	"github.com/aihub/rag-go/internal/watcher"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RegisterProviders 注册数据库以及其余全部提供者
func RegisterProviders(container *dig.Container) error {
	if err := container.Provide(provideDatabase); err != nil {
		return fmt.Errorf("register database provider: %w", err)
	}
	return registerCore(container)
}

// registerCore 注册除数据库连接外的提供者，测试时可替换数据库
func registerCore(container *dig.Container) error {
	providers := []interface{}{
		repository.NewDocumentRepository,
		repository.NewMessageRepository,
		repository.NewFeedbackRepository,
		provideArchive,
		provideEventPublisher,
		provideEmbedder,
		provideGenerator,
		providePolicies,
		provideEmbeddings,
		provideVectorIndex,
		provideExtractor,
		provideChunker,
		provideSessionStore,
		provideIngestionService,
		provideChatService,
		services.NewFeedbackService,
		provideHealthService,
		provideInbox,
	}
	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
	}
	return nil
}

func provideDatabase(cfg *config.Config, log *zap.Logger, closers *Closers) (*gorm.DB, error) {
	db, err := database.OpenPostgres(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	closers.Add(func() error { return database.ClosePostgres(db) })
	return db, nil
}

func provideArchive(cfg *config.Config, log *zap.Logger) (storage.ObjectArchive, error) {
	return storage.NewArchive(context.Background(), cfg.Storage, log)
}

// provideEventPublisher Kafka不可用时降级为空实现，不阻塞启动
func provideEventPublisher(cfg *config.Config, log *zap.Logger, closers *Closers) kafka.EventPublisher {
	if !cfg.Kafka.Enabled {
		return kafka.NoopPublisher{}
	}
	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	if err != nil {
		log.Warn("Kafka生产者初始化失败，事件将不会发布", zap.Error(err))
		return kafka.NoopPublisher{}
	}
	closers.Add(producer.Close)
	return producer
}

func provideEmbedder(cfg *config.Config) (knowledge.Embedder, error) {
	switch cfg.AI.Provider {
	case "local":
		return knowledge.NewHashEmbedder(cfg.Knowledge.Embedding.Dimensions), nil
	default:
		return knowledge.NewOpenAIEmbedder(cfg.AI.OpenAIAPIKey, cfg.AI.BaseURL, cfg.AI.EmbeddingModel, cfg.Knowledge.Embedding.Dimensions)
	}
}

func provideGenerator(cfg *config.Config) (knowledge.Generator, error) {
	switch cfg.AI.Provider {
	case "local":
		return knowledge.EchoGenerator{}, nil
	default:
		return knowledge.NewOpenAIGenerator(cfg.AI.OpenAIAPIKey, cfg.AI.BaseURL, cfg.AI.ChatModel, knowledge.GenerationOptions{
			Temperature: cfg.AI.Temperature,
			TopP:        cfg.AI.TopP,
			MaxTokens:   cfg.AI.MaxTokens,
		})
	}
}

// Policies 各调用路径的重试策略
type Policies struct {
	Ingest     *resilience.RetryPolicy
	Query      *resilience.RetryPolicy
	Generation *resilience.RetryPolicy
}

func providePolicies(cfg *config.Config) *Policies {
	r := cfg.Knowledge.Retry
	ingest := resilience.NewRetryPolicy(r.MaxAttempts, r.BaseDelay, r.MaxDelay, r.Jitter)
	ingest.AttemptTimeout = r.AttemptTimeout

	generation := ingest.WithMaxAttempts(r.QueryMaxAttempts)
	generation.AttemptTimeout = cfg.AI.RequestTimeout

	return &Policies{
		Ingest:     ingest,
		Query:      ingest.WithMaxAttempts(r.QueryMaxAttempts),
		Generation: generation,
	}
}

func provideEmbeddings(cfg *config.Config, embedder knowledge.Embedder, policies *Policies, log *zap.Logger) *knowledge.EmbeddingOrchestrator {
	e := cfg.Knowledge.Embedding
	return knowledge.NewEmbeddingOrchestrator(embedder, knowledge.OrchestratorOptions{
		BatchSize:         e.BatchSize,
		MaxParallel:       e.MaxParallel,
		RequestsPerSecond: e.RequestsPerSecond,
		Policy:            policies.Ingest,
		QueryPolicy:       policies.Query,
	}, log.Named("embedding"))
}

func provideVectorIndex(cfg *config.Config, db *gorm.DB, embedder knowledge.Embedder, log *zap.Logger, closers *Closers) (knowledge.VectorIndex, error) {
	vs := cfg.Knowledge.VectorStore
	switch vs.Provider {
	case "memory":
		return knowledge.NewMemoryVectorIndex(embedder.Model(), vs.Metric), nil
	case "qdrant":
		return knowledge.NewQdrantVectorIndex(knowledge.QdrantOptions{
			Endpoint:     vs.Qdrant.Endpoint,
			APIKey:       vs.Qdrant.APIKey,
			Collection:   vs.Qdrant.Collection,
			VectorSize:   embedder.Dimensions(),
			Distance:     vs.Metric,
			Timeout:      cfg.Knowledge.Retry.AttemptTimeout,
			ModelVersion: embedder.Model(),
		})
	case "milvus":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		idx, err := knowledge.NewMilvusVectorIndex(ctx, knowledge.MilvusOptions{
			Address:      vs.Milvus.Address,
			Username:     vs.Milvus.Username,
			Password:     vs.Milvus.Password,
			Collection:   vs.Milvus.Collection,
			Database:     vs.Milvus.Database,
			UseTLS:       vs.Milvus.TLS,
			VectorSize:   embedder.Dimensions(),
			Distance:     vs.Metric,
			Timeout:      cfg.Knowledge.Retry.AttemptTimeout,
			ModelVersion: embedder.Model(),
			Logger:       log.Named("milvus"),
		})
		if err != nil {
			return nil, err
		}
		closers.Add(idx.Close)
		return idx, nil
	case "pgvector":
		if db == nil {
			return nil, fmt.Errorf("pgvector vector store requires the database connection")
		}
		return knowledge.NewPgVectorIndex(db, embedder.Model(), vs.Metric), nil
	case "elasticsearch":
		return knowledge.NewElasticVectorIndex(knowledge.ElasticsearchOptions{
			Addresses:    vs.Elasticsearch.Addresses,
			Username:     vs.Elasticsearch.Username,
			Password:     vs.Elasticsearch.Password,
			APIKey:       vs.Elasticsearch.APIKey,
			Index:        vs.Elasticsearch.Index,
			VectorSize:   embedder.Dimensions(),
			Distance:     vs.Metric,
			ModelVersion: embedder.Model(),
		})
	default:
		return nil, fmt.Errorf("unknown vector store provider %q", vs.Provider)
	}
}

func provideExtractor(cfg *config.Config) (*knowledge.Extractor, error) {
	if key := cfg.Knowledge.PDFLicenseKey; key != "" {
		if err := knowledge.SetPDFLicense(key); err != nil {
			return nil, fmt.Errorf("set pdf license: %w", err)
		}
	}
	return knowledge.NewExtractor(), nil
}

func provideChunker(cfg *config.Config) (*knowledge.Chunker, error) {
	return knowledge.NewChunker(cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap)
}

// provideSessionStore 按配置选择会话存储，Redis 仅在需要时连接
func provideSessionStore(cfg *config.Config, messages repository.MessageRepository, closers *Closers) (services.SessionStore, error) {
	switch cfg.Session.Provider {
	case "redis":
		rdb, err := database.OpenRedis(context.Background(), cfg.Redis)
		if err != nil {
			return nil, err
		}
		closers.Add(rdb.Close)
		return services.NewRedisSessionStore(rdb, time.Duration(cfg.Redis.TTL)*time.Second), nil
	case "postgres":
		return services.NewDBSessionStore(messages), nil
	default:
		return services.NewMemorySessionStore(), nil
	}
}

type ingestionParams struct {
	dig.In

	Config     *config.Config
	Logger     *zap.Logger
	Documents  repository.DocumentRepository
	Extractor  *knowledge.Extractor
	Chunker    *knowledge.Chunker
	Embeddings *knowledge.EmbeddingOrchestrator
	Index      knowledge.VectorIndex
	Archive    storage.ObjectArchive
	Events     kafka.EventPublisher
	Policies   *Policies
}

func provideIngestionService(p ingestionParams) *services.IngestionService {
	return services.NewIngestionService(services.IngestionDeps{
		Documents:   p.Documents,
		Extractor:   p.Extractor,
		Chunker:     p.Chunker,
		Embeddings:  p.Embeddings,
		Index:       p.Index,
		Archive:     p.Archive,
		Events:      p.Events,
		IndexPolicy: p.Policies.Ingest,
		Logger:      p.Logger.Named("ingestion"),
	}, services.IngestionOptions{
		MaxFileSize:    p.Config.Knowledge.MaxFileSize,
		CleanupTimeout: p.Config.Knowledge.CleanupTimeout,
	})
}

type chatParams struct {
	dig.In

	Config     *config.Config
	Logger     *zap.Logger
	Documents  repository.DocumentRepository
	Embeddings *knowledge.EmbeddingOrchestrator
	Index      knowledge.VectorIndex
	Sessions   services.SessionStore
	Generator  knowledge.Generator
	Events     kafka.EventPublisher
	Policies   *Policies
}

func provideChatService(p chatParams) *services.ChatService {
	r := p.Config.Knowledge.Retrieval
	minScore := r.MinScore
	return services.NewChatService(services.ChatDeps{
		Embeddings: p.Embeddings,
		Index:      p.Index,
		Docs:       p.Documents,
		Sessions:   p.Sessions,
		Assembler: services.NewContextAssembler(services.AssemblerOptions{
			HistoryTurns: r.HistoryTurns,
			HistoryChars: r.HistoryChars,
			PromptBudget: r.PromptBudget,
		}),
		Generator:   p.Generator,
		GenPolicy:   p.Policies.Generation,
		QueryPolicy: p.Policies.Query,
		Breaker:     resilience.NewCircuitBreaker("generation", 5, 1, 30*time.Second),
		Events:      p.Events,
		Logger:      p.Logger.Named("chat"),
	}, services.ChatOptions{TopK: r.TopK, MinScore: &minScore})
}

type healthParams struct {
	dig.In

	Config    *config.Config
	Logger    *zap.Logger
	DB        *gorm.DB
	Sessions  services.SessionStore
	Archive   storage.ObjectArchive
	Index     knowledge.VectorIndex
	Embedder  knowledge.Embedder
	Generator knowledge.Generator
}

// provideHealthService 注册 storage / vector_index / llm 三个探测
func provideHealthService(p healthParams) (*services.HealthService, error) {
	sqlDB, err := p.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	dbLogger := logrus.New()
	dbLogger.SetLevel(logrus.WarnLevel)
	checker := database.NewHealthChecker(sqlDB, dbLogger)
	checker.SetTimeout(p.Config.Health.CheckTimeout)

	h := services.NewHealthService(p.Config.Health.CheckTimeout, p.Logger.Named("health"))
	h.Register("storage", func(ctx context.Context) error {
		if err := checker.Check(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if pinger, ok := p.Sessions.(knowledge.Pinger); ok {
			if err := pinger.Ping(ctx); err != nil {
				return fmt.Errorf("session store: %w", err)
			}
		}
		return p.Archive.Ping(ctx)
	})
	h.Register("vector_index", p.Index.Ping)
	h.Register("llm", func(ctx context.Context) error {
		var errs []error
		if pinger, ok := p.Embedder.(knowledge.Pinger); ok {
			errs = append(errs, pinger.Ping(ctx))
		}
		if pinger, ok := p.Generator.(knowledge.Pinger); ok {
			errs = append(errs, pinger.Ping(ctx))
		}
		return errors.Join(errs...)
	})
	return h, nil
}

func provideInbox(cfg *config.Config, ingestion *services.IngestionService, log *zap.Logger) *watcher.Inbox {
	return watcher.NewInbox(cfg.Inbox.Path, ingestion, log)
}
