package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aihub/rag-go/app/controllers"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/services"
	"github.com/beego/beego/v2/server/web"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testToken = "s3cret"

type memoryFeedback struct {
	mu    sync.Mutex
	items []models.Feedback
}

func (m *memoryFeedback) GetDB() *gorm.DB { return nil }

func (m *memoryFeedback) Create(ctx context.Context, fb *models.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, *fb)
	return nil
}

func (m *memoryFeedback) List(ctx context.Context, limit int) ([]models.Feedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Feedback(nil), m.items...), nil
}

// allIndexed 所有文档都视为已完成索引
type allIndexed struct{}

func (allIndexed) FilterByStatus(ctx context.Context, docIDs []string, status string) ([]string, error) {
	return docIDs, nil
}

type testServer struct {
	handler  *web.ControllerRegister
	feedback *memoryFeedback
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	web.BConfig.CopyRequestBody = true

	ctx := context.Background()
	embeddings := knowledge.NewEmbeddingOrchestrator(knowledge.NewHashEmbedder(64), knowledge.OrchestratorOptions{}, nil)
	index := knowledge.NewMemoryVectorIndex(embeddings.Model(), "cosine")

	text := "Refunds are accepted within 30 days of purchase."
	vec, err := embeddings.EmbedOne(ctx, text)
	require.NoError(t, err)
	page := 2
	require.NoError(t, index.Upsert(ctx, knowledge.VectorRecord{
		DocID:    "doc-1",
		Vector:   vec,
		Metadata: knowledge.ChunkMetadata{Filename: "policy.pdf", Page: &page, Text: text},
	}))

	chat := services.NewChatService(services.ChatDeps{
		Embeddings: embeddings,
		Index:      index,
		Docs:       allIndexed{},
		Sessions:   services.NewMemorySessionStore(),
		Generator:  knowledge.EchoGenerator{},
	}, services.ChatOptions{TopK: 3})

	fb := &memoryFeedback{}
	health := services.NewHealthService(time.Second, nil)
	health.Register("storage", func(ctx context.Context) error { return nil })
	health.Register("vector_index", func(ctx context.Context) error { return errors.New("connection refused") })

	reg := web.NewControllerRegister()
	err = Register(reg, Controllers{
		Documents: controllers.NewDocumentController(nil),
		Chat:      controllers.NewChatController(chat, 10),
		Feedback:  controllers.NewFeedbackController(services.NewFeedbackService(fb, nil)),
		Health:    controllers.NewHealthController(health),
		Metrics:   &controllers.MetricsController{},
	}, Options{AdminToken: testToken})
	require.NoError(t, err)

	return &testServer{handler: reg, feedback: fb}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func errorCode(t *testing.T, resp map[string]interface{}) string {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object: %v", resp)
	code, _ := errObj["code"].(string)
	return code
}

func TestUploadRequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/upload", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, resp))

	w, _ = s.do(t, http.MethodPost, "/upload", nil, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = s.do(t, http.MethodDelete, "/documents/doc-1", nil, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadWithTokenRequiresFile(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/upload", nil, map[string]string{"Authorization": "Bearer " + testToken})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, resp))
}

func TestChatAndHistory(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/chat", map[string]string{
		"question":   "Refunds are accepted within 30 days of purchase.",
		"session_id": "s-1",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, resp["success"])

	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "s-1", data["session_id"])
	assert.Contains(t, data["answer"], "Refunds are accepted")
	sources := data["sources"].([]interface{})
	require.Len(t, sources, 1)
	src := sources[0].(map[string]interface{})
	assert.Equal(t, "policy.pdf", src["filename"])
	assert.EqualValues(t, 2, src["page"])

	w, resp = s.do(t, http.MethodGet, "/history/s-1?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = resp["data"].(map[string]interface{})
	history := data["history"].([]interface{})
	require.Len(t, history, 2)
	assert.Equal(t, knowledge.RoleUser, history[0].(map[string]interface{})["role"])
	assert.Equal(t, knowledge.RoleBot, history[1].(map[string]interface{})["role"])

	w, resp = s.do(t, http.MethodGet, "/history/unknown", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = resp["data"].(map[string]interface{})
	assert.Empty(t, data["history"])
}

func TestChatRejectsEmptyQuestion(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/chat", map[string]string{"question": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, resp))
}

func TestHistoryRejectsNonPositiveLimit(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodGet, "/history/s-1?limit=0", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, resp))
}

func TestFeedback(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/feedback", map[string]interface{}{
		"session_id": "s-1",
		"question":   "q",
		"answer":     "a",
		"rating":     6,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(t, resp))
	assert.Empty(t, s.feedback.items)

	w, resp = s.do(t, http.MethodPost, "/feedback", map[string]interface{}{
		"session_id": "s-1",
		"question":   "q",
		"answer":     "a",
		"rating":     4,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := resp["data"].(map[string]interface{})
	assert.NotEmpty(t, data["feedback_id"])

	w, _ = s.do(t, http.MethodGet, "/feedback", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp = s.do(t, http.MethodGet, "/feedback", nil, map[string]string{"Authorization": "Bearer " + testToken})
	require.Equal(t, http.StatusOK, w.Code)
	data = resp["data"].(map[string]interface{})
	assert.Len(t, data["feedback"], 1)
}

func TestHealthAlwaysReturns200(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "degraded", data["status"])
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodOptions, "/chat", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
