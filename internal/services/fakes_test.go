package services

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/repository"
	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"
)

// fakeDocumentRepository 内存文档登记
type fakeDocumentRepository struct {
	mu   sync.Mutex
	docs map[string]models.Document
}

func newFakeDocumentRepository() *fakeDocumentRepository {
	return &fakeDocumentRepository{docs: make(map[string]models.Document)}
}

func (r *fakeDocumentRepository) GetDB() *gorm.DB { return nil }

func (r *fakeDocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.DocID] = *doc
	return nil
}

func (r *fakeDocumentRepository) GetByID(ctx context.Context, docID string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &doc, nil
}

func (r *fakeDocumentRepository) List(ctx context.Context, offset, limit int) ([]models.Document, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	total := int64(len(out))
	if offset >= len(out) {
		return []models.Document{}, total, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeDocumentRepository) UpdateStatus(ctx context.Context, docID, from string, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[docID]
	if !ok || doc.Status != from {
		return repository.ErrStaleState
	}
	if v, ok := updates["status"].(string); ok {
		doc.Status = v
	}
	if v, ok := updates["total_chunks"].(int); ok {
		doc.TotalChunks = v
	}
	if v, ok := updates["error"].(string); ok {
		doc.Error = v
	}
	r.docs[docID] = doc
	return nil
}

func (r *fakeDocumentRepository) Delete(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, docID)
	return nil
}

func (r *fakeDocumentRepository) FilterByStatus(ctx context.Context, docIDs []string, status string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range docIDs {
		if d, ok := r.docs[id]; ok && d.Status == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *fakeDocumentRepository) status(docID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.docs[docID].Status
}

func (r *fakeDocumentRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// faultyIndex 写入 upsertOK 条记录后让 Upsert 失败，模拟部分写入
type faultyIndex struct {
	*knowledge.MemoryVectorIndex
	mu        sync.Mutex
	upsertOK  int
	failQuery bool
	queryTopK []int
}

var errIndexDown = errors.New("index unavailable")

func (f *faultyIndex) Upsert(ctx context.Context, records ...knowledge.VectorRecord) error {
	f.mu.Lock()
	n := f.upsertOK
	f.mu.Unlock()
	if n >= len(records) {
		return f.MemoryVectorIndex.Upsert(ctx, records...)
	}
	if n > 0 {
		if err := f.MemoryVectorIndex.Upsert(ctx, records[:n]...); err != nil {
			return err
		}
	}
	return errIndexDown
}

func (f *faultyIndex) Query(ctx context.Context, vector []float32, opts knowledge.QueryOptions) ([]knowledge.Match, error) {
	f.mu.Lock()
	f.queryTopK = append(f.queryTopK, opts.TopK)
	f.mu.Unlock()
	if f.failQuery {
		return nil, errIndexDown
	}
	return f.MemoryVectorIndex.Query(ctx, vector, opts)
}

// brokenEmbedder 总是失败
type brokenEmbedder struct{ dims int }

func (b brokenEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("429 too many requests")
}
func (b brokenEmbedder) Dimensions() int { return b.dims }
func (b brokenEmbedder) Model() string   { return "broken" }

// MockGenerator 生成能力mock
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt knowledge.Prompt) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

// fakeMessageRepository 内存消息仓库
type fakeMessageRepository struct {
	mu   sync.Mutex
	rows []models.ChatMessage
	err  error
}

func (r *fakeMessageRepository) GetDB() *gorm.DB { return nil }

func (r *fakeMessageRepository) AppendBatch(ctx context.Context, msgs []models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, msgs...)
	return nil
}

func (r *fakeMessageRepository) LastMessage(ctx context.Context, sessionID string) (*models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].SessionID == sessionID {
			row := r.rows[i]
			return &row, nil
		}
	}
	return nil, nil
}

func (r *fakeMessageRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ChatMessage
	for _, row := range r.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// fakeFeedbackRepository 内存反馈仓库
type fakeFeedbackRepository struct {
	items []models.Feedback
}

func (r *fakeFeedbackRepository) GetDB() *gorm.DB { return nil }

func (r *fakeFeedbackRepository) Create(ctx context.Context, fb *models.Feedback) error {
	r.items = append(r.items, *fb)
	return nil
}

func (r *fakeFeedbackRepository) List(ctx context.Context, limit int) ([]models.Feedback, error) {
	if limit < len(r.items) {
		return r.items[:limit], nil
	}
	return r.items, nil
}
