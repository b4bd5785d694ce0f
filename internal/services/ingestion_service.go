package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/kafka"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/metrics"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/aihub/rag-go/internal/resilience"
	"github.com/aihub/rag-go/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const upsertBatchSize = 128

// IngestResult 入库结果
type IngestResult struct {
	DocID       string `json:"doc_id"`
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
}

// IngestionOptions 入库参数
type IngestionOptions struct {
	MaxFileSize    int64
	CleanupTimeout time.Duration
}

// IngestionDeps 入库服务依赖
type IngestionDeps struct {
	Documents   repository.DocumentRepository
	Extractor   *knowledge.Extractor
	Chunker     *knowledge.Chunker
	Embeddings  *knowledge.EmbeddingOrchestrator
	Index       knowledge.VectorIndex
	Archive     storage.ObjectArchive
	Events      kafka.EventPublisher
	IndexPolicy *resilience.RetryPolicy
	Logger      *zap.Logger
}

// IngestionService 驱动 提取→分块→向量化→写索引，全部成功才对检索可见
type IngestionService struct {
	docs        repository.DocumentRepository
	extractor   *knowledge.Extractor
	chunker     *knowledge.Chunker
	embeddings  *knowledge.EmbeddingOrchestrator
	index       knowledge.VectorIndex
	archive     storage.ObjectArchive
	events      kafka.EventPublisher
	indexPolicy *resilience.RetryPolicy
	states      *DocumentStateMachine
	locks       *KeyedMutex
	opts        IngestionOptions
	logger      *zap.Logger
	newID       func() string
}

// NewIngestionService 创建入库服务
func NewIngestionService(deps IngestionDeps, opts IngestionOptions) *IngestionService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Archive == nil {
		deps.Archive = storage.NoopArchive{}
	}
	if deps.Events == nil {
		deps.Events = kafka.NoopPublisher{}
	}
	if deps.IndexPolicy == nil {
		deps.IndexPolicy = resilience.NewRetryPolicy(1, 0, 0, 0)
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 30 * time.Second
	}
	return &IngestionService{
		docs:        deps.Documents,
		extractor:   deps.Extractor,
		chunker:     deps.Chunker,
		embeddings:  deps.Embeddings,
		index:       deps.Index,
		archive:     deps.Archive,
		events:      deps.Events,
		indexPolicy: deps.IndexPolicy,
		states:      NewDocumentStateMachine(deps.Documents, deps.Logger),
		locks:       NewKeyedMutex(),
		opts:        opts,
		logger:      deps.Logger,
		newID:       uuid.NewString,
	}
}

// Validate 检查文件名和大小，不产生任何副作用
func (s *IngestionService) Validate(filename string, size int64) error {
	if filename == "" {
		return apperrors.NewInvalidInputError("file", "filename is required")
	}
	if !s.extractor.Supports(filename) {
		return apperrors.NewUnsupportedFormatError(strings.ToLower(filepath.Ext(filename)))
	}
	if size == 0 {
		return apperrors.NewInvalidInputError("file", "file is empty")
	}
	if s.opts.MaxFileSize > 0 && size > s.opts.MaxFileSize {
		return apperrors.NewBusinessError(apperrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file exceeds the maximum size of %d bytes", s.opts.MaxFileSize))
	}
	return nil
}

// Ingest 入库一个文档。任何一步失败都会标记 failed 并清理已写入的向量
func (s *IngestionService) Ingest(ctx context.Context, filename string, data []byte) (*IngestResult, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "." || filename == string(filepath.Separator) {
		filename = ""
	}
	if err := s.Validate(filename, int64(len(data))); err != nil {
		return nil, err
	}

	start := time.Now()
	docID := s.newID()
	unlock := s.locks.Lock(docID)
	defer unlock()

	ext := strings.ToLower(filepath.Ext(filename))
	doc := &models.Document{
		DocID:        docID,
		Filename:     filename,
		FileSize:     int64(len(data)),
		FileType:     strings.TrimPrefix(ext, "."),
		Status:       models.DocumentStatusPending,
		ModelVersion: s.index.ModelVersion(),
		UploadedAt:   time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if _, ok := s.archive.(storage.NoopArchive); !ok {
		doc.StorageKey = storage.ObjectKey(docID, filename)
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to register document").WithCause(err)
	}

	logger := s.logger.With(zap.String("doc_id", docID), zap.String("filename", filename))
	logger.Info("开始文档入库", zap.Int("bytes", len(data)))

	total, err := s.process(ctx, doc, data)
	if err == nil {
		err = s.states.Transition(ctx, docID, models.DocumentStatusPending, models.DocumentStatusIndexed,
			map[string]interface{}{"total_chunks": total})
	}
	if err != nil {
		s.compensate(ctx, doc, err)
		metrics.DocumentsIngested.WithLabelValues(models.DocumentStatusFailed).Inc()
		metrics.IngestDuration.WithLabelValues(models.DocumentStatusFailed).Observe(time.Since(start).Seconds())
		logger.Warn("文档入库失败", zap.Error(err))
		return nil, err
	}

	metrics.DocumentsIngested.WithLabelValues(models.DocumentStatusIndexed).Inc()
	metrics.IngestDuration.WithLabelValues(models.DocumentStatusIndexed).Observe(time.Since(start).Seconds())
	metrics.ChunksIndexed.Add(float64(total))
	logger.Info("文档入库完成", zap.Int("total_chunks", total), zap.Duration("elapsed", time.Since(start)))

	s.publish(ctx, kafka.Event{
		Type:        kafka.EventDocumentIndexed,
		DocID:       docID,
		Filename:    filename,
		TotalChunks: total,
	})
	return &IngestResult{DocID: docID, Filename: filename, TotalChunks: total}, nil
}

// process 提取、分块、向量化并写入索引，返回写入的片段数
func (s *IngestionService) process(ctx context.Context, doc *models.Document, data []byte) (int, error) {
	if doc.StorageKey != "" {
		contentType := mime.TypeByExtension(filepath.Ext(doc.Filename))
		if err := s.archive.Put(ctx, doc.StorageKey, data, contentType); err != nil {
			return 0, upstreamOrCtx(ctx, "object storage", err)
		}
	}

	blocks, err := s.extractor.Extract(data, doc.Filename)
	if err != nil {
		return 0, err
	}

	chunks := s.chunker.Split(blocks)
	if len(chunks) == 0 {
		return 0, apperrors.NewExtractionError(doc.Filename, fmt.Errorf("document produced no chunks"))
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embeddings.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	records := make([]knowledge.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = knowledge.VectorRecord{
			DocID:      doc.DocID,
			ChunkIndex: c.Index,
			Vector:     vectors[i],
			Metadata: knowledge.ChunkMetadata{
				Filename:     doc.Filename,
				Page:         c.Page,
				Text:         c.Text,
				ModelVersion: doc.ModelVersion,
			},
		}
	}

	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		err := s.indexPolicy.Do(ctx, func(ctx context.Context) error {
			err := s.index.Upsert(ctx, batch...)
			if stderrors.Is(err, knowledge.ErrModelVersionMismatch) {
				return resilience.Permanent(err)
			}
			return err
		})
		if err != nil {
			return 0, upstreamOrCtx(ctx, "vector index", err)
		}
	}
	return len(records), nil
}

// compensate 在独立上下文中回滚：删除向量和归档文件，标记 failed
func (s *IngestionService) compensate(ctx context.Context, doc *models.Document, cause error) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
	defer cancel()

	logger := s.logger.With(zap.String("doc_id", doc.DocID))

	err := s.indexPolicy.Do(cleanupCtx, func(ctx context.Context) error {
		return s.index.DeleteDocument(ctx, doc.DocID)
	})
	if err != nil {
		logger.Error("清理文档向量失败", zap.Error(err))
	}
	if doc.StorageKey != "" {
		if err := s.archive.Remove(cleanupCtx, doc.StorageKey); err != nil {
			logger.Error("清理归档文件失败", zap.String("key", doc.StorageKey), zap.Error(err))
		}
	}

	err = s.states.Transition(cleanupCtx, doc.DocID, models.DocumentStatusPending, models.DocumentStatusFailed,
		map[string]interface{}{"error": cause.Error(), "total_chunks": 0})
	if err != nil {
		logger.Error("标记文档失败状态失败", zap.Error(err))
	}

	s.publish(cleanupCtx, kafka.Event{
		Type:     kafka.EventDocumentFailed,
		DocID:    doc.DocID,
		Filename: doc.Filename,
		Error:    cause.Error(),
	})
}

// List 分页列出文档
func (s *IngestionService) List(ctx context.Context, offset, limit int) ([]models.Document, int64, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	docs, total, err := s.docs.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to list documents").WithCause(err)
	}
	return docs, total, nil
}

// Get 获取文档
func (s *IngestionService) Get(ctx context.Context, docID string) (*models.Document, error) {
	doc, err := s.docs.GetByID(ctx, docID)
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("document")
		}
		return nil, apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to load document").WithCause(err)
	}
	return doc, nil
}

// Delete 删除文档的向量、归档文件和登记记录
func (s *IngestionService) Delete(ctx context.Context, docID string) error {
	unlock := s.locks.Lock(docID)
	defer unlock()

	doc, err := s.Get(ctx, docID)
	if err != nil {
		return err
	}

	err = s.indexPolicy.Do(ctx, func(ctx context.Context) error {
		return s.index.DeleteDocument(ctx, docID)
	})
	if err != nil {
		return upstreamOrCtx(ctx, "vector index", err)
	}
	if doc.StorageKey != "" {
		if err := s.archive.Remove(ctx, doc.StorageKey); err != nil {
			s.logger.Warn("删除归档文件失败", zap.String("doc_id", docID), zap.Error(err))
		}
	}
	if err := s.docs.Delete(ctx, docID); err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeDatabaseError, "failed to delete document").WithCause(err)
	}

	s.logger.Info("文档已删除", zap.String("doc_id", docID))
	s.publish(ctx, kafka.Event{Type: kafka.EventDocumentDeleted, DocID: docID, Filename: doc.Filename})
	return nil
}

func (s *IngestionService) publish(ctx context.Context, event kafka.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("发布文档事件失败", zap.String("type", event.Type), zap.Error(err))
	}
}

// upstreamOrCtx 请求取消时返回取消错误，否则归类为上游不可用
func upstreamOrCtx(ctx context.Context, service string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.NewUpstreamUnavailableError(service, err)
}
