package storage

import (
	"context"
	"testing"

	"github.com/aihub/rag-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArchive_SelectsProvider(t *testing.T) {
	ctx := context.Background()

	for _, provider := range []string{"", "none", "NONE"} {
		archive, err := NewArchive(ctx, config.ObjectStorageConfig{Provider: provider}, nil)
		require.NoError(t, err, provider)
		assert.IsType(t, NoopArchive{}, archive)
		assert.NoError(t, archive.Put(ctx, "k", []byte("x"), "text/plain"))
		assert.NoError(t, archive.Remove(ctx, "k"))
		assert.NoError(t, archive.Ping(ctx))
	}

	_, err := NewArchive(ctx, config.ObjectStorageConfig{Provider: "ftp"}, nil)
	assert.ErrorContains(t, err, "unsupported object storage provider")
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "documents/doc-1/report.pdf", ObjectKey("doc-1", "report.pdf"))
}
