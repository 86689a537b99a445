package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"opencampus.dev/assistant/internal/store"
)

const (
	maxChunkLen     = 800 // characters per chunk, paragraph-aligned
	embedWorkers    = 4
	supportedExtMsg = ".md and .txt"
)

// Embedder turns chunk text into an embedding vector.
type Embedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ChunkStore persists ingested chunks.
type ChunkStore interface {
	CreateDocumentChunk(chunk *store.DocumentChunk) error
	DeleteDocumentChunksBySource(source string) error
}

// Progress is one intermediate report of a running ingestion batch.
type Progress struct {
	Processed   int    `json:"processed"`
	Failed      int    `json:"failed"`
	Skipped     int    `json:"skipped"`
	Description string `json:"description"`
}

// Result carries the final batch totals.
type Result struct {
	Processed int
	Failed    int
	Skipped   int
}

func (r Result) Summary() string {
	return fmt.Sprintf("Ingestion finished: %d processed, %d failed, %d skipped", r.Processed, r.Failed, r.Skipped)
}

// Ingester processes the documents directory into retrievable chunks. One
// bad document never aborts the batch; only a top-level failure (such as an
// unreadable directory) does.
type Ingester struct {
	embedder   Embedder
	chunkStore ChunkStore
	dir        string
}

func NewIngester(embedder Embedder, chunkStore ChunkStore, dir string) *Ingester {
	return &Ingester{
		embedder:   embedder,
		chunkStore: chunkStore,
		dir:        dir,
	}
}

// RunIngestion processes every document in the directory sequentially,
// invoking onProgress after each item with running totals. The callback must
// be cheap; decoupling a slow consumer is the caller's job.
func (ing *Ingester) RunIngestion(ctx context.Context, onProgress func(Progress)) (Result, error) {
	entries, err := os.ReadDir(ing.dir)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read documents directory %s: %w", ing.dir, err)
	}

	var res Result
	report := func(description string) {
		if onProgress != nil {
			onProgress(Progress{
				Processed:   res.Processed,
				Failed:      res.Failed,
				Skipped:     res.Skipped,
				Description: description,
			})
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("ingestion cancelled: %w", err)
		}
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".md" && ext != ".txt" {
			res.Skipped++
			report(fmt.Sprintf("Skipped %s (only %s files are ingested)", name, supportedExtMsg))
			continue
		}

		if err := ing.processDocument(ctx, name); err != nil {
			if ctx.Err() != nil {
				return res, fmt.Errorf("ingestion cancelled: %w", ctx.Err())
			}
			res.Failed++
			log.Error().Err(err).Str("document", name).Msg("document ingestion failed")
			report(fmt.Sprintf("Failed to ingest %s", name))
			continue
		}

		res.Processed++
		report(fmt.Sprintf("Ingested %s", name))
	}

	log.Info().
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("skipped", res.Skipped).
		Msg("ingestion batch finished")
	return res, nil
}

func (ing *Ingester) processDocument(ctx context.Context, name string) error {
	contentBytes, err := os.ReadFile(filepath.Join(ing.dir, name))
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}

	chunks := ChunkText(string(contentBytes))
	if len(chunks) == 0 {
		return fmt.Errorf("document produced no chunks")
	}

	// Replace semantics: re-ingesting a document supersedes its old chunks.
	if err := ing.chunkStore.DeleteDocumentChunksBySource(name); err != nil {
		return fmt.Errorf("failed to clear previous chunks: %w", err)
	}

	embedded := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedWorkers)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			embedding, err := ing.embedder.GetEmbedding(gctx, chunk)
			if err != nil {
				return fmt.Errorf("failed to embed chunk %d: %w", i+1, err)
			}
			embedded[i] = embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Stored sequentially to keep insertion order stable.
	for i, chunk := range chunks {
		dc := store.DocumentChunk{
			Source:    name,
			Content:   chunk,
			Embedding: embedded[i],
		}
		if err := ing.chunkStore.CreateDocumentChunk(&dc); err != nil {
			return fmt.Errorf("failed to store chunk %d: %w", i+1, err)
		}
	}
	return nil
}

// ChunkText splits a document into paragraph-aligned chunks of at most
// maxChunkLen characters. Oversized paragraphs become chunks of their own.
func ChunkText(text string) []string {
	paragraphs := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")

	var chunks []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxChunkLen {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	return chunks
}
