package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchOptions ES向量索引配置
type ElasticsearchOptions struct {
	Addresses    []string
	Username     string
	Password     string
	APIKey       string
	Index        string
	VectorSize   int
	Distance     string
	ModelVersion string
}

// ElasticVectorIndex 使用 dense_vector + kNN 检索的向量索引
type ElasticVectorIndex struct {
	client       *elasticsearch.Client
	index        string
	vectorSize   int
	similarity   string
	modelVersion string

	mu    sync.Mutex
	ready bool
}

type elasticChunk struct {
	DocID        string    `json:"doc_id"`
	ChunkIndex   int       `json:"chunk_index"`
	Filename     string    `json:"filename"`
	Page         *int      `json:"page,omitempty"`
	Text         string    `json:"text"`
	ModelVersion string    `json:"model_version"`
	Vector       []float32 `json:"vector,omitempty"`
}

// NewElasticVectorIndex 创建ES向量索引
func NewElasticVectorIndex(opts ElasticsearchOptions) (*ElasticVectorIndex, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are not configured")
	}
	if opts.VectorSize <= 0 {
		return nil, fmt.Errorf("elasticsearch vector size must be positive")
	}
	if opts.Index == "" {
		opts.Index = "rag_chunks"
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
	})
	if err != nil {
		return nil, err
	}

	return &ElasticVectorIndex{
		client:       client,
		index:        opts.Index,
		vectorSize:   opts.VectorSize,
		similarity:   formatElasticSimilarity(opts.Distance),
		modelVersion: opts.ModelVersion,
	}, nil
}

func formatElasticSimilarity(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dot_product":
		return "dot_product"
	case "euclid", "euclidean", "l2", "l2_norm":
		return "l2_norm"
	default:
		return "cosine"
	}
}

func (e *ElasticVectorIndex) ensureIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	req := esapi.IndicesExistsRequest{
		Index: []string{e.index},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode == 200 {
		e.ready = true
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"doc_id":        map[string]interface{}{"type": "keyword"},
				"chunk_index":   map[string]interface{}{"type": "integer"},
				"filename":      map[string]interface{}{"type": "keyword"},
				"page":          map[string]interface{}{"type": "integer"},
				"text":          map[string]interface{}{"type": "text", "index": false},
				"model_version": map[string]interface{}{"type": "keyword"},
				"vector": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       e.vectorSize,
					"index":      true,
					"similarity": e.similarity,
				},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: e.index,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		return fmt.Errorf("create index error: %s", createResp.String())
	}

	e.ready = true
	return nil
}

func (e *ElasticVectorIndex) Upsert(ctx context.Context, records ...VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkModelVersion(e.modelVersion, records); err != nil {
		return err
	}
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if len(r.Vector) != e.vectorSize {
			return fmt.Errorf("vector %s has %d dimensions, index uses %d", r.PointID(), len(r.Vector), e.vectorSize)
		}
		meta := map[string]interface{}{
			"index": map[string]interface{}{"_index": e.index, "_id": r.PointID()},
		}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(elasticChunk{
			DocID:        r.DocID,
			ChunkIndex:   r.ChunkIndex,
			Filename:     r.Metadata.Filename,
			Page:         r.Metadata.Page,
			Text:         r.Metadata.Text,
			ModelVersion: r.Metadata.ModelVersion,
			Vector:       r.Vector,
		}); err != nil {
			return err
		}
	}

	req := esapi.BulkRequest{
		Index:   e.index,
		Body:    &buf,
		Refresh: "true",
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("bulk index error: %s", resp.String())
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	if result.Errors {
		return fmt.Errorf("bulk index reported item errors for index %s", e.index)
	}
	return nil
}

// elasticKNNFilter kNN 预过滤：模型版本必须一致，可选限定单个文档
func elasticKNNFilter(modelVersion, docID string) map[string]interface{} {
	terms := []map[string]interface{}{
		{"term": map[string]interface{}{"model_version": modelVersion}},
	}
	if docID != "" {
		terms = append(terms, map[string]interface{}{
			"term": map[string]interface{}{"doc_id": docID},
		})
	}
	return map[string]interface{}{"bool": map[string]interface{}{"filter": terms}}
}

func (e *ElasticVectorIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
	if len(vector) == 0 {
		return []Match{}, nil
	}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}
	k := opts.TopK
	if k <= 0 {
		k = 10
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}

	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": candidates,
	}
	knn["filter"] = elasticKNNFilter(e.modelVersion, opts.DocID)
	body := map[string]interface{}{
		"size":    k,
		"knn":     knn,
		"_source": []string{"doc_id", "chunk_index", "filename", "page", "text", "model_version"},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}

	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, fmt.Errorf("search error: %s", resp.String())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string       `json:"_id"`
				Score  float64      `json:"_score"`
				Source elasticChunk `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		src := hit.Source
		matches = append(matches, Match{
			DocID:      src.DocID,
			ChunkIndex: src.ChunkIndex,
			Score:      e.normalizeScore(hit.Score),
			Metadata: ChunkMetadata{
				Filename:     src.Filename,
				Page:         src.Page,
				Text:         src.Text,
				ModelVersion: src.ModelVersion,
			},
		})
	}
	return finalizeMatches(matches, opts), nil
}

// normalizeScore ES 将 cosine/dot_product 映射到 (1+s)/2，这里还原为原始相似度
func (e *ElasticVectorIndex) normalizeScore(score float64) float64 {
	if e.similarity == "l2_norm" {
		return score
	}
	return score*2 - 1
}

func (e *ElasticVectorIndex) DeleteDocument(ctx context.Context, docID string) error {
	if err := e.ensureIndex(ctx); err != nil {
		return err
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"doc_id": docID,
			},
		},
	}

	body, _ := json.Marshal(query)
	refresh := true
	req := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: &refresh,
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("delete document error: %s", resp.String())
	}
	return nil
}

func (e *ElasticVectorIndex) Ping(ctx context.Context) error {
	resp, err := esapi.PingRequest{}.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.IsError() {
		return fmt.Errorf("elasticsearch ping failed: %s", resp.Status())
	}
	return nil
}

func (e *ElasticVectorIndex) ModelVersion() string {
	return e.modelVersion
}
