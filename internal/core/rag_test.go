package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"opencampus.dev/assistant/internal/store"
)

type fakeChunkSource struct {
	chunks []store.DocumentChunk
	err    error
}

func (f *fakeChunkSource) GetAllDocumentChunks() ([]store.DocumentChunk, error) {
	return f.chunks, f.err
}

type fakeEmbedder struct {
	embedding []float32
	err       error
}

func (f *fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, f.err
}

func chunk(id int64, source, content string, embedding ...float32) store.DocumentChunk {
	return store.DocumentChunk{ID: id, Source: source, Content: content, Embedding: embedding}
}

func TestRetrieve_RanksAndDedupesSources(t *testing.T) {
	source := &fakeChunkSource{chunks: []store.DocumentChunk{
		chunk(1, "fees.md", "Fees are due each term.", 1, 0),
		chunk(2, "fees.md", "Late fees accrue monthly.", 0.9, 0.1),
		chunk(3, "library.md", "The library closes at 9pm.", 0.8, 0.2),
		chunk(4, "sports.md", "The gym opens at 6am.", 0, 1), // below threshold
	}}
	rag, err := NewRAGService(source, &fakeEmbedder{embedding: []float32{1, 0}})
	require.NoError(t, err)

	text, sources, err := rag.Retrieve(context.Background(), "when are fees due")
	require.NoError(t, err)
	require.Contains(t, text, "Fees are due each term.")
	require.Contains(t, text, "Late fees accrue monthly.")
	require.Contains(t, text, "The library closes at 9pm.")
	require.NotContains(t, text, "gym")
	require.Equal(t, []string{"fees.md", "library.md"}, sources, "sources are deduped, best first")
}

func TestRetrieve_EmptyKnowledgeBase(t *testing.T) {
	rag, err := NewRAGService(&fakeChunkSource{}, &fakeEmbedder{embedding: []float32{1, 0}})
	require.NoError(t, err)

	text, sources, err := rag.Retrieve(context.Background(), "anything")
	require.NoError(t, err)
	require.Empty(t, text)
	require.Empty(t, sources)
}

func TestRetrieve_NothingAboveThreshold(t *testing.T) {
	source := &fakeChunkSource{chunks: []store.DocumentChunk{
		chunk(1, "sports.md", "The gym opens at 6am.", 0, 1),
	}}
	rag, err := NewRAGService(source, &fakeEmbedder{embedding: []float32{1, 0}})
	require.NoError(t, err)

	text, sources, err := rag.Retrieve(context.Background(), "fees")
	require.NoError(t, err)
	require.Empty(t, text)
	require.Empty(t, sources)
}

func TestRetrieve_EmbeddingFailure(t *testing.T) {
	source := &fakeChunkSource{chunks: []store.DocumentChunk{
		chunk(1, "fees.md", "Fees are due each term.", 1, 0),
	}}
	rag, err := NewRAGService(source, &fakeEmbedder{err: errors.New("embedding backend down")})
	require.NoError(t, err)

	_, _, err = rag.Retrieve(context.Background(), "fees")
	require.Error(t, err)
}

func TestReload_PicksUpNewChunks(t *testing.T) {
	source := &fakeChunkSource{}
	rag, err := NewRAGService(source, &fakeEmbedder{embedding: []float32{1, 0}})
	require.NoError(t, err)

	source.chunks = []store.DocumentChunk{chunk(1, "new.md", "Fresh content.", 1, 0)}
	require.NoError(t, rag.Reload())

	text, sources, err := rag.Retrieve(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, "Fresh content.", text)
	require.Equal(t, []string{"new.md"}, sources)
}

func TestNewRAGService_LoadFailure(t *testing.T) {
	_, err := NewRAGService(&fakeChunkSource{err: errors.New("db closed")}, &fakeEmbedder{})
	require.Error(t, err)
}
