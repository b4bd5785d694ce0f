package services

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/knowledge"
	"github.com/aihub/rag-go/internal/models"
	"github.com/aihub/rag-go/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func intPtr(v int) *int { return &v }

func indexedDoc(docID string) *models.Document {
	return &models.Document{DocID: docID, Filename: docID + ".pdf", Status: models.DocumentStatusIndexed}
}

type chatFixture struct {
	*ingestionFixture
	sessions *MemorySessionStore
	chat     *ChatService
}

func newChatFixture(t *testing.T, generator knowledge.Generator, embedder knowledge.Embedder) *chatFixture {
	t.Helper()
	ing := newIngestionFixture(t, embedder)
	sessions := NewMemorySessionStore()
	policy := resilience.NewRetryPolicy(2, 0, 0, 0)

	chat := NewChatService(ChatDeps{
		Embeddings: knowledge.NewEmbeddingOrchestrator(ing.embedder, knowledge.OrchestratorOptions{
			Policy: policy,
		}, nil),
		Index:    ing.index,
		Docs:     ing.docs,
		Sessions: sessions,
		Assembler: NewContextAssembler(AssemblerOptions{
			HistoryTurns: 3,
			HistoryChars: 4000,
			PromptBudget: 12000,
		}),
		Generator:   generator,
		GenPolicy:   policy,
		QueryPolicy: policy,
		Breaker:     resilience.NewCircuitBreaker("generation", 5, 1, time.Minute),
	}, ChatOptions{TopK: 5, MinScore: floatPtr(0.3)})
	chat.newID = func() string { return "generated-session" }

	return &chatFixture{ingestionFixture: ing, sessions: sessions, chat: chat}
}

func TestAsk_EndToEndCitesOnlyMatchingDocument(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)
	ctx := context.Background()

	res, err := f.service.Ingest(ctx, "facts.txt", []byte(threeParagraphs))
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalChunks)
	_, err = f.service.Ingest(ctx, "travel.md", []byte("Trains connect Vienna with Budapest daily."))
	require.NoError(t, err)

	answer, err := f.chat.Ask(ctx, "Which rockets burn liquid oxygen?", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", answer.SessionID)
	assert.False(t, answer.Fallback)
	assert.Contains(t, answer.Answer, "Rockets burn liquid oxygen")
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "facts.txt", answer.Sources[0].Filename)
	assert.Nil(t, answer.Sources[0].Page)

	history, err := f.sessions.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, knowledge.RoleUser, history[0].Role)
	assert.Equal(t, "Which rockets burn liquid oxygen?", history[0].Text)
	assert.Equal(t, knowledge.RoleBot, history[1].Role)
	assert.Equal(t, answer.Sources, history[1].Sources)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))
}

func TestAsk_RejectsBlankQuestion(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)

	_, err := f.chat.Ask(context.Background(), "   ", "s1")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
}

func TestAsk_GeneratesSessionIDWhenMissing(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)

	res, err := f.chat.Ask(context.Background(), "hello there", "")
	require.NoError(t, err)
	assert.Equal(t, "generated-session", res.SessionID)
	assert.NotNil(t, res.Sources)
	assert.Empty(t, res.Sources)
}

func TestAsk_NoGroundingStillAnswers(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p knowledge.Prompt) bool {
		return len(p.Context) == 0 && p.ContextBlock() == ""
	})).Return("general knowledge answer", nil).Once()

	f := newChatFixture(t, gen, nil)
	res, err := f.chat.Ask(context.Background(), "what is the capital of peru", "s1")
	require.NoError(t, err)
	assert.Equal(t, "general knowledge answer", res.Answer)
	assert.Equal(t, []Source{}, res.Sources)
	gen.AssertExpectations(t)
}

func TestAsk_GenerationFailureFallsBackWithoutHistory(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("503 overloaded"))

	f := newChatFixture(t, gen, nil)
	ctx := context.Background()
	_, err := f.service.Ingest(ctx, "facts.txt", []byte(threeParagraphs))
	require.NoError(t, err)

	res, err := f.chat.Ask(ctx, "Which rockets burn liquid oxygen?", "s1")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackAnswer, res.Answer)
	assert.Empty(t, res.Sources)
	gen.AssertNumberOfCalls(t, "Generate", 2)

	history, err := f.sessions.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAsk_EmptyGenerationIsTreatedAsFailure(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("  ", nil)

	f := newChatFixture(t, gen, nil)
	res, err := f.chat.Ask(context.Background(), "anything", "s1")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestAsk_EmbeddingFailureIsUpstreamUnavailable(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, brokenEmbedder{dims: 8})

	_, err := f.chat.Ask(context.Background(), "question", "s1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUpstreamUnavailable))

	history, _ := f.sessions.History(context.Background(), "s1", 0)
	assert.Empty(t, history)
}

func TestAsk_IndexFailureIsUpstreamUnavailable(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)
	f.index.failQuery = true

	_, err := f.chat.Ask(context.Background(), "question", "s1")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUpstreamUnavailable))
}

func TestAsk_IgnoresVectorsOfDocumentsNotIndexed(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)
	ctx := context.Background()

	// 向量已写入但文档未登记为 indexed（入库进行中）
	vec, err := f.embedder.Embed(ctx, []string{"Rockets burn liquid oxygen to fly."})
	require.NoError(t, err)
	require.NoError(t, f.index.Upsert(ctx, knowledge.VectorRecord{
		DocID:      "in-flight",
		ChunkIndex: 0,
		Vector:     vec[0],
		Metadata:   knowledge.ChunkMetadata{Filename: "secret.txt", Text: "Rockets burn liquid oxygen to fly."},
	}))

	res, err := f.chat.Ask(ctx, "Which rockets burn liquid oxygen?", "s1")
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.NotContains(t, res.Answer, "Rockets burn")
}

// seedInFlight 为未登记的文档写入与问题完全相同的向量，得分高于任何已索引文档
func seedInFlight(t *testing.T, f *chatFixture, question string, n int) {
	t.Helper()
	vec, err := f.embedder.Embed(context.Background(), []string{question})
	require.NoError(t, err)
	records := make([]knowledge.VectorRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, knowledge.VectorRecord{
			DocID:      "in-flight",
			ChunkIndex: i,
			Vector:     vec[0],
			Metadata:   knowledge.ChunkMetadata{Filename: "pending.txt", Text: question},
		})
	}
	require.NoError(t, f.index.Upsert(context.Background(), records...))
}

func TestAsk_InFlightVectorsDoNotCrowdOutIndexedDocuments(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)
	ctx := context.Background()
	question := "Which rockets burn liquid oxygen?"

	_, err := f.service.Ingest(ctx, "rockets.txt", []byte("Rockets burn liquid oxygen to fly."))
	require.NoError(t, err)
	seedInFlight(t, f, question, 5)

	res, err := f.chat.Ask(ctx, question, "s1")
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "rockets.txt", res.Sources[0].Filename)
	assert.Equal(t, []int{20}, f.index.queryTopK)
}

func TestAsk_RetrieveWidensFetchUntilIndexedDocumentsFound(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)
	ctx := context.Background()
	question := "Which rockets burn liquid oxygen?"

	_, err := f.service.Ingest(ctx, "rockets.txt", []byte("Rockets burn liquid oxygen to fly."))
	require.NoError(t, err)
	seedInFlight(t, f, question, 25)

	res, err := f.chat.Ask(ctx, question, "s1")
	require.NoError(t, err)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "rockets.txt", res.Sources[0].Filename)
	assert.Equal(t, []int{20, 40}, f.index.queryTopK)
}

func TestAsk_DeduplicatesSourcesByFilenameAndPage(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.Anything).Return("ok", nil)
	f := newChatFixture(t, gen, nil)
	ctx := context.Background()

	require.NoError(t, f.docs.Create(ctx, indexedDoc("manual")))
	vec, err := f.embedder.Embed(ctx, []string{"reset the router by holding the button"})
	require.NoError(t, err)
	for i, page := range []int{4, 4, 5} {
		require.NoError(t, f.index.Upsert(ctx, knowledge.VectorRecord{
			DocID:      "manual",
			ChunkIndex: i,
			Vector:     vec[0],
			Metadata: knowledge.ChunkMetadata{
				Filename: "manual.pdf",
				Page:     intPtr(page),
				Text:     "reset the router by holding the button " + string(rune('a'+i)),
			},
		}))
	}

	res, err := f.chat.Ask(ctx, "reset the router by holding the button", "s1")
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, 4, *res.Sources[0].Page)
	assert.Equal(t, 5, *res.Sources[1].Page)
}

func TestAsk_UsesPriorTurnsAsHistory(t *testing.T) {
	gen := new(MockGenerator)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p knowledge.Prompt) bool {
		return len(p.History) == 0
	})).Return("first", nil).Once()
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p knowledge.Prompt) bool {
		return len(p.History) == 2 && p.History[0].Text == "q1" && p.History[1].Text == "first"
	})).Return("second", nil).Once()

	f := newChatFixture(t, gen, nil)
	ctx := context.Background()

	_, err := f.chat.Ask(ctx, "q1", "s1")
	require.NoError(t, err)
	res, err := f.chat.Ask(ctx, "q2", "s1")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Answer)
	gen.AssertExpectations(t)

	history, err := f.chat.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "q2", history[2].Text)
}

func TestHistory_UnknownSessionIsEmpty(t *testing.T) {
	f := newChatFixture(t, knowledge.EchoGenerator{}, nil)

	history, err := f.chat.History(context.Background(), "never-seen", 10)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}
