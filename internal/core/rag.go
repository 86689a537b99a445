package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"opencampus.dev/assistant/internal/store"
	"opencampus.dev/assistant/internal/utils"
)

const (
	NumRelevantChunks   = 3   // Number of chunks to retrieve for context
	SimilarityThreshold = 0.7 // Minimum similarity score to consider a chunk relevant
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ChunkSource loads previously ingested document chunks.
type ChunkSource interface {
	GetAllDocumentChunks() ([]store.DocumentChunk, error)
}

// RAGService retrieves relevant document context for a query with cosine
// similarity over an in-memory snapshot of the ingested chunks.
type RAGService struct {
	chunkSource ChunkSource
	embedder    Embedder

	mu     sync.RWMutex
	chunks []store.DocumentChunk
}

func NewRAGService(chunkSource ChunkSource, embedder Embedder) (*RAGService, error) {
	chunks, err := chunkSource.GetAllDocumentChunks()
	if err != nil {
		return nil, fmt.Errorf("failed to load document chunks for retrieval: %w", err)
	}
	if len(chunks) == 0 {
		log.Warn().Msg("retrieval initialized with no document chunks, run ingestion to populate the knowledge base")
	} else {
		log.Info().Int("chunks", len(chunks)).Msg("retrieval initialized")
	}

	return &RAGService{
		chunkSource: chunkSource,
		embedder:    embedder,
		chunks:      chunks,
	}, nil
}

// Reload refreshes the in-memory chunk snapshot, typically after ingestion.
func (s *RAGService) Reload() error {
	chunks, err := s.chunkSource.GetAllDocumentChunks()
	if err != nil {
		return fmt.Errorf("failed to reload document chunks: %w", err)
	}
	s.mu.Lock()
	s.chunks = chunks
	s.mu.Unlock()
	log.Info().Int("chunks", len(chunks)).Msg("retrieval snapshot reloaded")
	return nil
}

type scoredChunk struct {
	chunk      store.DocumentChunk
	similarity float32
}

// Retrieve returns the concatenated text of the most relevant chunks and the
// distinct source documents they came from. An empty knowledge base yields
// empty context, not an error.
func (s *RAGService) Retrieve(ctx context.Context, query string) (string, []string, error) {
	s.mu.RLock()
	chunks := s.chunks
	s.mu.RUnlock()

	if len(chunks) == 0 {
		return "", nil, nil
	}

	queryEmbedding, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	scored := make([]scoredChunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			continue
		}
		similarity, err := utils.CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			log.Debug().Err(err).Int64("chunk_id", chunk.ID).Msg("similarity calculation failed, skipping chunk")
			continue
		}
		if similarity >= SimilarityThreshold {
			scored = append(scored, scoredChunk{chunk: chunk, similarity: similarity})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].similarity > scored[j].similarity
	})

	var contextBuilder strings.Builder
	var sources []string
	seen := map[string]bool{}
	for i := 0; i < len(scored) && i < NumRelevantChunks; i++ {
		contextBuilder.WriteString(scored[i].chunk.Content)
		contextBuilder.WriteString("\n\n")
		if src := scored[i].chunk.Source; src != "" && !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}

	if contextBuilder.Len() == 0 {
		return "", nil, nil
	}
	return strings.TrimSpace(contextBuilder.String()), sources, nil
}
