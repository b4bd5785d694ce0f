package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func record(docID string, idx int, vec ...float32) VectorRecord {
	return VectorRecord{
		DocID:      docID,
		ChunkIndex: idx,
		Vector:     vec,
		Metadata:   ChunkMetadata{Filename: docID + ".txt", Text: "chunk"},
	}
}

func TestSortMatches_TiesBrokenByChunkIndex(t *testing.T) {
	matches := []Match{
		{DocID: "b", ChunkIndex: 3, Score: 0.81234},
		{DocID: "a", ChunkIndex: 7, Score: 0.9},
		{DocID: "a", ChunkIndex: 1, Score: 0.81231},
		{DocID: "a", ChunkIndex: 3, Score: 0.81229},
	}
	SortMatches(matches)

	assert.Equal(t, 7, matches[0].ChunkIndex)
	assert.Equal(t, 1, matches[1].ChunkIndex)
	assert.Equal(t, "a", matches[2].DocID)
	assert.Equal(t, 3, matches[2].ChunkIndex)
	assert.Equal(t, "b", matches[3].DocID)
}

func TestPointUUID_IsDeterministic(t *testing.T) {
	assert.Equal(t, PointUUID("doc", 1), PointUUID("doc", 1))
	assert.NotEqual(t, PointUUID("doc", 1), PointUUID("doc", 2))
	assert.Equal(t, "doc_1", PointID("doc", 1))
}

func TestMemoryVectorIndex_QueryOrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex("hash-3", "cosine")

	require.NoError(t, idx.Upsert(ctx,
		record("d1", 0, 1, 0, 0),
		record("d1", 1, 0.9, 0.1, 0),
		record("d2", 0, 0, 1, 0),
		record("d2", 1, 1, 0, 0),
	))

	matches, err := idx.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 3})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	// d1#0 和 d2#1 得分相同，按 chunk_index 升序
	assert.Equal(t, "d1", matches[0].DocID)
	assert.Equal(t, 0, matches[0].ChunkIndex)
	assert.Equal(t, "d2", matches[1].DocID)
	assert.Equal(t, 1, matches[1].ChunkIndex)
	assert.Equal(t, 1, matches[2].ChunkIndex)
	assert.Equal(t, "hash-3", matches[0].Metadata.ModelVersion)

	matches, err = idx.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 10, MinScore: floatPtr(0.5)})
	require.NoError(t, err)
	assert.Len(t, matches, 3)

	matches, err = idx.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 10, DocID: "d2"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "d2", m.DocID)
	}

	matches, err = idx.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 10, MinScore: floatPtr(1.1)})
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestMemoryVectorIndex_RejectsModelVersionMismatch(t *testing.T) {
	idx := NewMemoryVectorIndex("text-embedding-3-small", "cosine")
	r := record("d1", 0, 1, 0)
	r.Metadata.ModelVersion = "text-embedding-ada-002"

	err := idx.Upsert(context.Background(), r)
	assert.ErrorIs(t, err, ErrModelVersionMismatch)
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryVectorIndex_DeleteDocument(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex("m", "dot")
	require.NoError(t, idx.Upsert(ctx, record("d1", 0, 1, 0), record("d1", 1, 0, 1), record("d2", 0, 1, 1)))

	require.NoError(t, idx.DeleteDocument(ctx, "d1"))
	require.NoError(t, idx.DeleteDocument(ctx, "d1"))
	assert.Equal(t, 1, idx.Len())

	matches, err := idx.Query(ctx, []float32{1, 1}, QueryOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "d2", matches[0].DocID)
}

func TestMemoryVectorIndex_UpsertIsIdempotentPerPoint(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryVectorIndex("m", "cosine")
	require.NoError(t, idx.Upsert(ctx, record("d1", 0, 1, 0)))
	require.NoError(t, idx.Upsert(ctx, record("d1", 0, 0, 1)))
	assert.Equal(t, 1, idx.Len())

	err := idx.Upsert(ctx, record("d1", 1, 0, 1, 0))
	assert.Error(t, err)
}

type fakeQdrant struct {
	mu          sync.Mutex
	created     bool
	points      []qdrantPoint
	lastSearch  map[string]interface{}
	deleteCalls []map[string]interface{}
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("api-key") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /collections":
		w.Write([]byte(`{"result":{"collections":[]}}`))
	case "GET /collections/rag_chunks":
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"result":{}}`))
	case "PUT /collections/rag_chunks":
		f.created = true
		w.Write([]byte(`{"result":true}`))
	case "PUT /collections/rag_chunks/index":
		w.Write([]byte(`{"result":{}}`))
	case "PUT /collections/rag_chunks/points":
		var body struct {
			Points []qdrantPoint `json:"points"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.points = append(f.points, body.Points...)
		w.Write([]byte(`{"result":{"status":"completed"}}`))
	case "POST /collections/rag_chunks/points/search":
		json.NewDecoder(r.Body).Decode(&f.lastSearch)
		type hit struct {
			ID      string        `json:"id"`
			Score   float64       `json:"score"`
			Payload qdrantPayload `json:"payload"`
		}
		hits := make([]hit, 0, len(f.points))
		for i, p := range f.points {
			if !matchesFilter(f.lastSearch["filter"], p.Payload) {
				continue
			}
			hits = append(hits, hit{ID: p.ID, Score: 0.9 - float64(i)*0.1, Payload: p.Payload})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"result": hits})
	case "POST /collections/rag_chunks/points/delete":
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.deleteCalls = append(f.deleteCalls, body)
		w.Write([]byte(`{"result":{"status":"completed"}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// matchesFilter 按 must 条件匹配 doc_id、model_version
func matchesFilter(filter interface{}, payload qdrantPayload) bool {
	f, ok := filter.(map[string]interface{})
	if !ok {
		return true
	}
	must, _ := f["must"].([]interface{})
	for _, c := range must {
		cond := c.(map[string]interface{})
		want := cond["match"].(map[string]interface{})["value"]
		switch cond["key"] {
		case "doc_id":
			if want != payload.DocID {
				return false
			}
		case "model_version":
			if want != payload.ModelVersion {
				return false
			}
		}
	}
	return true
}

func TestQdrantVectorIndex_RoundTrip(t *testing.T) {
	fake := &fakeQdrant{}
	server := httptest.NewServer(fake)
	defer server.Close()

	idx, err := NewQdrantVectorIndex(QdrantOptions{
		Endpoint:     server.URL,
		APIKey:       "secret",
		VectorSize:   2,
		ModelVersion: "m1",
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Ping(ctx))

	page := 2
	r0 := record("doc-1", 0, 1, 0)
	r0.Metadata.Page = &page
	require.NoError(t, idx.Upsert(ctx, r0, record("doc-1", 1, 0, 1)))

	fake.mu.Lock()
	require.True(t, fake.created)
	require.Len(t, fake.points, 2)
	assert.Equal(t, PointUUID("doc-1", 0), fake.points[0].ID)
	assert.Equal(t, "m1", fake.points[0].Payload.ModelVersion)
	fake.mu.Unlock()

	matches, err := idx.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 5, MinScore: floatPtr(0.7), DocID: "doc-1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, 0, matches[0].ChunkIndex)
	assert.Equal(t, 2, *matches[0].Metadata.Page)
	assert.Equal(t, "doc-1.txt", matches[0].Metadata.Filename)

	fake.mu.Lock()
	assert.Equal(t, 0.7, fake.lastSearch["score_threshold"])
	assert.Contains(t, fake.lastSearch, "filter")
	fake.mu.Unlock()

	require.NoError(t, idx.DeleteDocument(ctx, "doc-1"))
	fake.mu.Lock()
	require.Len(t, fake.deleteCalls, 1)
	assert.Contains(t, fake.deleteCalls[0], "filter")
	fake.mu.Unlock()
}

func TestQdrantVectorIndex_ReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	idx, err := NewQdrantVectorIndex(QdrantOptions{Endpoint: server.URL, VectorSize: 2, ModelVersion: "m1"})
	require.NoError(t, err)

	assert.Error(t, idx.Ping(context.Background()))
	assert.Error(t, idx.Upsert(context.Background(), record("d", 0, 1, 0)))
}

func TestQdrantVectorIndex_QueryIgnoresOtherModelVersions(t *testing.T) {
	fake := &fakeQdrant{created: true}
	fake.points = []qdrantPoint{
		{ID: PointUUID("stale", 0), Vector: []float32{1, 0}, Payload: qdrantPayload{DocID: "stale", Filename: "old.txt", ModelVersion: "m0"}},
		{ID: PointUUID("fresh", 0), Vector: []float32{1, 0}, Payload: qdrantPayload{DocID: "fresh", Filename: "new.txt", ModelVersion: "m1"}},
	}
	server := httptest.NewServer(fake)
	defer server.Close()

	idx, err := NewQdrantVectorIndex(QdrantOptions{
		Endpoint:     server.URL,
		APIKey:       "secret",
		VectorSize:   2,
		ModelVersion: "m1",
	})
	require.NoError(t, err)

	matches, err := idx.Query(context.Background(), []float32{1, 0}, QueryOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "fresh", matches[0].DocID)
	assert.Equal(t, "m1", matches[0].Metadata.ModelVersion)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	filter := fake.lastSearch["filter"].(map[string]interface{})
	must := filter["must"].([]interface{})
	require.Len(t, must, 1)
	assert.Equal(t, "model_version", must[0].(map[string]interface{})["key"])
}
