package knowledge

import (
	"context"
	"fmt"
	"sync"
)

// MemoryVectorIndex 进程内向量索引，暴力检索，适合开发和单机部署
type MemoryVectorIndex struct {
	mu           sync.RWMutex
	records      map[string]VectorRecord
	metric       string
	modelVersion string
	dimensions   int
}

// NewMemoryVectorIndex 创建内存向量索引
func NewMemoryVectorIndex(modelVersion, metric string) *MemoryVectorIndex {
	if metric == "" {
		metric = "cosine"
	}
	return &MemoryVectorIndex{
		records:      make(map[string]VectorRecord),
		metric:       metric,
		modelVersion: modelVersion,
	}
}

func (m *MemoryVectorIndex) Upsert(ctx context.Context, records ...VectorRecord) error {
	if err := checkModelVersion(m.modelVersion, records); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dims := m.dimensions
	for _, r := range records {
		if dims == 0 {
			dims = len(r.Vector)
		}
		if len(r.Vector) != dims {
			return fmt.Errorf("vector %s has %d dimensions, index uses %d", r.PointID(), len(r.Vector), dims)
		}
	}
	m.dimensions = dims

	for _, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		r.Vector = vec
		m.records[r.PointID()] = r
	}
	return nil
}

func (m *MemoryVectorIndex) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimensions > 0 && len(vector) != m.dimensions {
		return nil, fmt.Errorf("query vector has %d dimensions, index uses %d", len(vector), m.dimensions)
	}

	matches := make([]Match, 0, len(m.records))
	for _, r := range m.records {
		if opts.DocID != "" && r.DocID != opts.DocID {
			continue
		}
		matches = append(matches, Match{
			DocID:      r.DocID,
			ChunkIndex: r.ChunkIndex,
			Score:      Similarity(m.metric, vector, r.Vector),
			Metadata:   r.Metadata,
		})
	}
	return finalizeMatches(matches, opts), nil
}

func (m *MemoryVectorIndex) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.DocID == docID {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryVectorIndex) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryVectorIndex) ModelVersion() string {
	return m.modelVersion
}

// Len 当前记录数
func (m *MemoryVectorIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
