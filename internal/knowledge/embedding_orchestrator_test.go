package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyEmbedder 前 failures 次调用失败
type flakyEmbedder struct {
	inner    *HashEmbedder
	failures int32
	calls    int32
	dims     int
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return nil, errors.New("503 service unavailable")
	}
	return f.inner.Embed(ctx, texts)
}

func (f *flakyEmbedder) Dimensions() int {
	if f.dims > 0 {
		return f.dims
	}
	return f.inner.Dimensions()
}

func (f *flakyEmbedder) Model() string { return f.inner.Model() }

func newOrchestrator(e Embedder, batch, parallel, attempts int) *EmbeddingOrchestrator {
	policy := resilience.NewRetryPolicy(attempts, 0, 0, 0)
	return NewEmbeddingOrchestrator(e, OrchestratorOptions{
		BatchSize:   batch,
		MaxParallel: parallel,
		Policy:      policy,
		QueryPolicy: policy.WithMaxAttempts(2),
	}, nil)
}

func TestEmbedBatch_PreservesInputOrder(t *testing.T) {
	hash := NewHashEmbedder(16)
	o := newOrchestrator(hash, 2, 3, 1)

	texts := make([]string, 7)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk number %d about topic %d", i, i*3)
	}

	got, err := o.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	want, err := hash.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEmbedBatch_RetriesTransientFailures(t *testing.T) {
	e := &flakyEmbedder{inner: NewHashEmbedder(8), failures: 2}
	o := newOrchestrator(e, 10, 1, 3)

	vectors, err := o.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, int32(3), atomic.LoadInt32(&e.calls))
}

func TestEmbedBatch_ExhaustedBudgetIsUpstreamUnavailable(t *testing.T) {
	e := &flakyEmbedder{inner: NewHashEmbedder(8), failures: 100}
	o := newOrchestrator(e, 1, 2, 3)

	vectors, err := o.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.Nil(t, vectors)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUpstreamUnavailable))
}

func TestEmbedBatch_DimensionMismatchIsNotRetried(t *testing.T) {
	e := &flakyEmbedder{inner: NewHashEmbedder(8), dims: 12}
	o := newOrchestrator(e, 4, 1, 4)

	_, err := o.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUpstreamUnavailable))
	assert.Equal(t, int32(1), atomic.LoadInt32(&e.calls))
}

func TestEmbedOne_UsesQueryBudget(t *testing.T) {
	e := &flakyEmbedder{inner: NewHashEmbedder(8), failures: 100}
	o := newOrchestrator(e, 4, 1, 5)

	_, err := o.EmbedOne(context.Background(), "what is retrieval?")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUpstreamUnavailable))
	assert.Equal(t, int32(2), atomic.LoadInt32(&e.calls))
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	o := newOrchestrator(NewHashEmbedder(8), 4, 1, 1)
	vectors, err := o.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestHashEmbedder_IsDeterministicAndNormalized(t *testing.T) {
	h := NewHashEmbedder(32)
	a, err := h.Embed(context.Background(), []string{"Vector search with overlap"})
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), []string{"vector SEARCH with overlap"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
	assert.Equal(t, "hash-32", h.Model())
}
