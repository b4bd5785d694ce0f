package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/aihub/rag-go/internal/errors"
	"github.com/aihub/rag-go/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIngester struct {
	mu      sync.Mutex
	names   []string
	deleted []string
	failOn  string
}

func (r *recordingIngester) Validate(filename string, size int64) error {
	if filepath.Ext(filename) != ".txt" {
		return apperrors.NewUnsupportedFormatError(filepath.Ext(filename))
	}
	return nil
}

func (r *recordingIngester) Ingest(ctx context.Context, filename string, data []byte) (*services.IngestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && string(data) == r.failOn {
		return nil, apperrors.NewExtractionError(filename, nil)
	}
	r.names = append(r.names, filename)
	return &services.IngestResult{DocID: fmt.Sprintf("doc-%d", len(r.names)), Filename: filename, TotalChunks: 1}, nil
}

func (r *recordingIngester) Delete(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, docID)
	return nil
}

func (r *recordingIngester) deletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deleted...)
}

func (r *recordingIngester) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestInbox_IngestFileSkipsUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	inbox := NewInbox(dir, ing, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0o644))

	res, err := inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.DocID)

	res, err = inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o644))
	_, err = inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt", "notes.txt"}, ing.calls())
}

func TestInbox_ModifiedFileReplacesPreviousDocument(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{failOn: "broken"}
	inbox := NewInbox(dir, ing, nil)
	ctx := context.Background()

	path := filepath.Join(dir, "faq.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	first, err := inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Empty(t, ing.deletes())

	// 新版本入库失败时旧文档保留
	require.NoError(t, os.WriteFile(path, []byte("broken"), 0o644))
	_, err = inbox.IngestFile(ctx, path)
	require.Error(t, err)
	assert.Empty(t, ing.deletes())

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	second, err := inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.NotEqual(t, first.DocID, second.DocID)
	assert.Equal(t, []string{first.DocID}, ing.deletes())

	require.NoError(t, os.WriteFile(path, []byte("v3"), 0o644))
	third, err := inbox.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{first.DocID, second.DocID}, ing.deletes())
	assert.Equal(t, "doc-3", third.DocID)
}

func TestInbox_IngestFileRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	ing := &recordingIngester{}
	inbox := NewInbox(dir, ing, nil)

	path := filepath.Join(dir, "deck.pptx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := inbox.IngestFile(context.Background(), path)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeUnsupportedFormat))
	assert.Empty(t, ing.calls())
}

func TestInbox_RunIngestsExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("already here"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.txt"), []byte("skip"), 0o644))

	ing := &recordingIngester{}
	inbox := NewInbox(dir, ing, nil)
	inbox.settle = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(ing.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "dropped.txt"), []byte("new content"), 0o644))
	assert.Eventually(t, func() bool { return len(ing.calls()) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("inbox did not stop")
	}
	assert.ElementsMatch(t, []string{"existing.txt", "dropped.txt"}, ing.calls())
}
