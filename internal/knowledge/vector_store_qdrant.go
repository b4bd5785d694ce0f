package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// QdrantOptions Qdrant客户端配置
type QdrantOptions struct {
	Endpoint     string
	APIKey       string
	Collection   string
	VectorSize   int
	Distance     string
	UseTLS       bool
	Timeout      time.Duration
	ModelVersion string
}

// QdrantVectorIndex 通过REST API访问Qdrant
type QdrantVectorIndex struct {
	client       *http.Client
	endpoint     string
	apiKey       string
	collection   string
	vectorSize   int
	distance     string
	modelVersion string

	mu    sync.Mutex
	ready bool
}

// NewQdrantVectorIndex 创建Qdrant向量索引
func NewQdrantVectorIndex(opts QdrantOptions) (*QdrantVectorIndex, error) {
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("%s://localhost:6333", scheme)
	}
	if !strings.HasPrefix(opts.Endpoint, "http") {
		opts.Endpoint = fmt.Sprintf("%s://%s", scheme, opts.Endpoint)
	}
	if opts.Collection == "" {
		opts.Collection = "rag_chunks"
	}
	if opts.VectorSize <= 0 {
		return nil, fmt.Errorf("qdrant vector size must be positive")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &QdrantVectorIndex{
		client: &http.Client{
			Timeout: timeout,
		},
		endpoint:     strings.TrimSuffix(opts.Endpoint, "/"),
		apiKey:       opts.APIKey,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
		distance:     formatDistance(opts.Distance),
		modelVersion: opts.ModelVersion,
	}, nil
}

func formatDistance(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dotproduct":
		return "Dot"
	case "euclid", "euclidean", "l2":
		return "Euclid"
	default:
		return "Cosine"
	}
}

type qdrantPayload struct {
	DocID        string `json:"doc_id"`
	ChunkIndex   int    `json:"chunk_index"`
	Filename     string `json:"filename"`
	Page         *int   `json:"page,omitempty"`
	Text         string `json:"text"`
	ModelVersion string `json:"model_version"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

func (s *QdrantVectorIndex) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}

	path := fmt.Sprintf("/collections/%s", s.collection)
	resp, err := s.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		s.ready = true
		return nil
	}

	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     s.vectorSize,
			"distance": s.distance,
		},
	}
	if err := s.expectOK(s.doRequest(ctx, http.MethodPut, path, body)); err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}

	// doc_id、model_version 上建立keyword索引
	for _, field := range []string{"doc_id", "model_version"} {
		index := map[string]interface{}{"field_name": field, "field_schema": "keyword"}
		if err := s.expectOK(s.doRequest(ctx, http.MethodPut, path+"/index?wait=true", index)); err != nil {
			return fmt.Errorf("create %s index: %w", field, err)
		}
	}

	s.ready = true
	return nil
}

func (s *QdrantVectorIndex) Upsert(ctx context.Context, records ...VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := checkModelVersion(s.modelVersion, records); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	points := make([]qdrantPoint, 0, len(records))
	for _, r := range records {
		if len(r.Vector) != s.vectorSize {
			return fmt.Errorf("vector %s has %d dimensions, collection uses %d", r.PointID(), len(r.Vector), s.vectorSize)
		}
		points = append(points, qdrantPoint{
			ID:     PointUUID(r.DocID, r.ChunkIndex),
			Vector: r.Vector,
			Payload: qdrantPayload{
				DocID:        r.DocID,
				ChunkIndex:   r.ChunkIndex,
				Filename:     r.Metadata.Filename,
				Page:         r.Metadata.Page,
				Text:         r.Metadata.Text,
				ModelVersion: r.Metadata.ModelVersion,
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", s.collection)
	if err := s.expectOK(s.doRequest(ctx, http.MethodPut, path, map[string]interface{}{"points": points})); err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

func docFilter(docID string) map[string]interface{} {
	return map[string]interface{}{
		"must": []map[string]interface{}{
			{
				"key": "doc_id",
				"match": map[string]interface{}{
					"value": docID,
				},
			},
		},
	}
}

// searchFilter 检索只命中当前模型版本的点，可选限定单个文档
func searchFilter(modelVersion, docID string) map[string]interface{} {
	must := []map[string]interface{}{
		{"key": "model_version", "match": map[string]interface{}{"value": modelVersion}},
	}
	if docID != "" {
		must = append(must, map[string]interface{}{
			"key": "doc_id", "match": map[string]interface{}{"value": docID},
		})
	}
	return map[string]interface{}{"must": must}
}

func (s *QdrantVectorIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
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

	body := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if opts.MinScore != nil {
		body["score_threshold"] = *opts.MinScore
	}
	body["filter"] = searchFilter(s.modelVersion, opts.DocID)

	resp, err := s.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", s.collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qdrant search failed: %s %s", resp.Status, string(raw))
	}

	var searchResp struct {
		Result []struct {
			ID      interface{}   `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(searchResp.Result))
	for _, item := range searchResp.Result {
		p := item.Payload
		matches = append(matches, Match{
			DocID:      p.DocID,
			ChunkIndex: p.ChunkIndex,
			Score:      item.Score,
			Metadata: ChunkMetadata{
				Filename:     p.Filename,
				Page:         p.Page,
				Text:         p.Text,
				ModelVersion: p.ModelVersion,
			},
		})
	}
	return finalizeMatches(matches, opts), nil
}

func (s *QdrantVectorIndex) DeleteDocument(ctx context.Context, docID string) error {
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", s.collection)
	if err := s.expectOK(s.doRequest(ctx, http.MethodPost, path, map[string]interface{}{"filter": docFilter(docID)})); err != nil {
		return fmt.Errorf("qdrant delete failed: %w", err)
	}
	return nil
}

func (s *QdrantVectorIndex) Ping(ctx context.Context) error {
	return s.expectOK(s.doRequest(ctx, http.MethodGet, "/collections", nil))
}

func (s *QdrantVectorIndex) ModelVersion() string {
	return s.modelVersion
}

func (s *QdrantVectorIndex) expectOK(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *QdrantVectorIndex) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	return s.client.Do(req)
}
