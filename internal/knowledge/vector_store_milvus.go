package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address      string
	Username     string
	Password     string
	Collection   string
	VectorSize   int
	Distance     string
	Database     string
	UseTLS       bool
	Timeout      time.Duration
	ModelVersion string
	Logger       *zap.Logger
}

// MilvusVectorIndex 基于milvus-sdk-go的向量索引
type MilvusVectorIndex struct {
	milvusClient client.Client
	collection   string
	vectorSize   int
	distance     string
	modelVersion string
	logger       *zap.Logger

	mu    sync.Mutex
	ready bool
}

const milvusNoPage = -1

var milvusOutputFields = []string{"doc_id", "chunk_index", "filename", "page", "text", "model_version"}

// NewMilvusVectorIndex 创建Milvus向量索引
func NewMilvusVectorIndex(ctx context.Context, opts MilvusOptions) (*MilvusVectorIndex, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "rag_chunks"
	}
	if opts.VectorSize <= 0 {
		return nil, fmt.Errorf("milvus vector size must be positive")
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	milvusClient, err := client.NewClient(
		connectCtx,
		client.Config{
			Address:       opts.Address,
			DBName:        opts.Database,
			Username:      opts.Username,
			Password:      opts.Password,
			EnableTLSAuth: opts.UseTLS,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &MilvusVectorIndex{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
		distance:     formatMilvusDistance(opts.Distance),
		modelVersion: opts.ModelVersion,
		logger:       opts.Logger,
	}, nil
}

func formatMilvusDistance(value string) string {
	switch strings.ToUpper(value) {
	case "DOT", "IP", "INNER_PRODUCT":
		return "IP"
	case "L2", "EUCLIDEAN":
		return "L2"
	default:
		return "COSINE"
	}
}

func (s *MilvusVectorIndex) metricType() entity.MetricType {
	switch s.distance {
	case "IP":
		return entity.IP
	case "L2":
		return entity.L2
	default:
		return entity.COSINE
	}
}

func (s *MilvusVectorIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !hasCollection {
		schema := &entity.Schema{
			CollectionName: s.collection,
			Description:    "RAG document chunks",
			Fields: []*entity.Field{
				{
					Name:       "id",
					DataType:   entity.FieldTypeVarChar,
					PrimaryKey: true,
					AutoID:     false,
					TypeParams: map[string]string{"max_length": "256"},
				},
				{
					Name:       "doc_id",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "64"},
				},
				{
					Name:     "chunk_index",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:       "filename",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "1024"},
				},
				{
					Name:     "page",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:       "text",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "65535"},
				},
				{
					Name:       "model_version",
					DataType:   entity.FieldTypeVarChar,
					TypeParams: map[string]string{"max_length": "128"},
				},
				{
					Name:     "vector",
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": fmt.Sprintf("%d", s.vectorSize),
					},
				},
			},
		}

		if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		// 创建索引
		index, err := buildMilvusIndex(s.metricType())
		if err != nil {
			return err
		}
		if err := s.milvusClient.CreateIndex(ctx, s.collection, "vector", index, false); err != nil {
			s.logger.Warn("创建Milvus索引失败", zap.String("collection", s.collection), zap.Error(err))
		}
	}

	if err := s.milvusClient.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	s.ready = true
	return nil
}

func (s *MilvusVectorIndex) Upsert(ctx context.Context, records ...VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkModelVersion(s.modelVersion, records); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	n := len(records)
	ids := make([]string, 0, n)
	docIDs := make([]string, 0, n)
	chunkIndexes := make([]int64, 0, n)
	filenames := make([]string, 0, n)
	pages := make([]int64, 0, n)
	texts := make([]string, 0, n)
	versions := make([]string, 0, n)
	vectors := make([][]float32, 0, n)

	for _, r := range records {
		if len(r.Vector) != s.vectorSize {
			return fmt.Errorf("vector %s has %d dimensions, collection uses %d", r.PointID(), len(r.Vector), s.vectorSize)
		}
		page := int64(milvusNoPage)
		if r.Metadata.Page != nil {
			page = int64(*r.Metadata.Page)
		}
		ids = append(ids, r.PointID())
		docIDs = append(docIDs, r.DocID)
		chunkIndexes = append(chunkIndexes, int64(r.ChunkIndex))
		filenames = append(filenames, r.Metadata.Filename)
		pages = append(pages, page)
		texts = append(texts, r.Metadata.Text)
		versions = append(versions, r.Metadata.ModelVersion)
		vectors = append(vectors, r.Vector)
	}

	_, err := s.milvusClient.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("doc_id", docIDs),
		entity.NewColumnInt64("chunk_index", chunkIndexes),
		entity.NewColumnVarChar("filename", filenames),
		entity.NewColumnInt64("page", pages),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("model_version", versions),
		entity.NewColumnFloatVector("vector", s.vectorSize, vectors),
	)
	if err != nil {
		return fmt.Errorf("milvus upsert failed: %w", err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		s.logger.Warn("刷新Milvus集合失败", zap.String("collection", s.collection), zap.Error(err))
	}
	return nil
}

func (s *MilvusVectorIndex) DeleteDocument(ctx context.Context, docID string) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	if err := s.milvusClient.Delete(ctx, s.collection, "", fmt.Sprintf("doc_id == %q", docID)); err != nil {
		return fmt.Errorf("milvus delete failed: %w", err)
	}
	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		s.logger.Warn("删除后刷新Milvus集合失败", zap.String("collection", s.collection), zap.Error(err))
	}
	return nil
}

// buildMilvusIndex 优先 HNSW，失败时退回 IVF_FLAT
func buildMilvusIndex(metric entity.MetricType) (entity.Index, error) {
	var index entity.Index
	index, err := entity.NewIndexHNSW(metric, 8, 64)
	if err == nil {
		return index, nil
	}
	index, err = entity.NewIndexIvfFlat(metric, 128)
	if err != nil {
		return nil, fmt.Errorf("failed to create index: %w", err)
	}
	return index, nil
}

// milvusSearchExpr 只检索当前模型版本写入的向量，可选限定单个文档
func milvusSearchExpr(modelVersion, docID string) string {
	expr := fmt.Sprintf("model_version == %q", modelVersion)
	if docID != "" {
		expr += fmt.Sprintf(" && doc_id == %q", docID)
	}
	return expr
}

func (s *MilvusVectorIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
	if len(vector) == 0 {
		return []Match{}, nil
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	limit := opts.TopK
	if limit <= 0 {
		limit = 10
	}

	expr := milvusSearchExpr(s.modelVersion, opts.DocID)

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		milvusOutputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		"vector",
		s.metricType(),
		limit,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search failed: %w", err)
	}
	if len(searchResults) == 0 {
		return []Match{}, nil
	}

	result := searchResults[0]
	if result.Err != nil {
		return nil, fmt.Errorf("milvus search error: %w", result.Err)
	}

	var (
		docIDs       []string
		chunkIndexes []int64
		filenames    []string
		pages        []int64
		texts        []string
		versions     []string
	)
	for _, field := range result.Fields {
		switch col := field.(type) {
		case *entity.ColumnVarChar:
			switch col.Name() {
			case "doc_id":
				docIDs = col.Data()
			case "filename":
				filenames = col.Data()
			case "text":
				texts = col.Data()
			case "model_version":
				versions = col.Data()
			}
		case *entity.ColumnInt64:
			switch col.Name() {
			case "chunk_index":
				chunkIndexes = col.Data()
			case "page":
				pages = col.Data()
			}
		}
	}

	matches := make([]Match, 0, result.ResultCount)
	for i := 0; i < result.ResultCount; i++ {
		m := Match{}
		if i < len(docIDs) {
			m.DocID = docIDs[i]
		}
		if i < len(chunkIndexes) {
			m.ChunkIndex = int(chunkIndexes[i])
		}
		if i < len(filenames) {
			m.Metadata.Filename = filenames[i]
		}
		if i < len(pages) && pages[i] != milvusNoPage {
			page := int(pages[i])
			m.Metadata.Page = &page
		}
		if i < len(texts) {
			m.Metadata.Text = texts[i]
		}
		if i < len(versions) {
			m.Metadata.ModelVersion = versions[i]
		}
		if i < len(result.Scores) {
			m.Score = s.normalizeScore(float64(result.Scores[i]))
		}
		matches = append(matches, m)
	}
	return finalizeMatches(matches, opts), nil
}

// normalizeScore L2 距离转换为越大越相似的得分
func (s *MilvusVectorIndex) normalizeScore(raw float64) float64 {
	if s.distance == "L2" {
		return 1 / (1 + raw)
	}
	return raw
}

func (s *MilvusVectorIndex) Ping(ctx context.Context) error {
	_, err := s.milvusClient.ListCollections(ctx)
	return err
}

func (s *MilvusVectorIndex) ModelVersion() string {
	return s.modelVersion
}

// Close 关闭客户端连接
func (s *MilvusVectorIndex) Close() error {
	return s.milvusClient.Close()
}
