package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EmptyIndexAnswer is returned by Query when no document has been indexed
const EmptyIndexAnswer = "No documents have been uploaded yet."

// Config locates the documents and the persisted index
type Config struct {
	DocumentsDir string
	StorageDir   string
	ChunkTokens  int
	ChunkOverlap int
	TopK         int
}

// Service builds, persists and queries the document index. It is shared by
// all sessions of the process; rebuilds exclude concurrent queries.
type Service struct {
	cfg         Config
	embedder    Embedder
	synthesizer Synthesizer
	splitter    *Splitter

	// Called after every rebuild with the chunk count, may be nil
	OnRebuild func(chunks int, took time.Duration)

	mu sync.RWMutex
}

// NewService creates a retrieval service
func NewService(cfg Config, embedder Embedder, synthesizer Synthesizer, counter TokenCounter) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	return &Service{
		cfg:         cfg,
		embedder:    embedder,
		synthesizer: synthesizer,
		splitter:    &Splitter{Size: cfg.ChunkTokens, Overlap: cfg.ChunkOverlap, Count: counter},
	}
}

// BuildOrLoad loads the persisted index, building and persisting it from the
// documents directory first if none exists
func (s *Service) BuildOrLoad(ctx context.Context) (*Index, error) {
	s.mu.RLock()
	idx, err := LoadIndex(s.cfg.StorageDir)
	s.mu.RUnlock()
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, ErrNoIndex) {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have built it while we waited for the lock
	if idx, err := LoadIndex(s.cfg.StorageDir); err == nil {
		return idx, nil
	} else if !errors.Is(err, ErrNoIndex) {
		return nil, err
	}
	return s.build(ctx)
}

// Rebuild discards the persisted index and builds a new one from every
// document currently in the documents directory
func (s *Service) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.cfg.StorageDir); err != nil {
		return fmt.Errorf("remove storage dir: %w", err)
	}
	_, err := s.build(ctx)
	return err
}

// build must be called with s.mu held for writing
func (s *Service) build(ctx context.Context) (*Index, error) {
	start := time.Now()

	docs, err := LoadDirectory(s.cfg.DocumentsDir)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		Version:        indexVersion,
		EmbeddingModel: s.embedder.Model(),
		CreatedAt:      time.Now().UTC(),
	}
	var texts []string
	for _, doc := range docs {
		idx.Sources = append(idx.Sources, doc.Source)
		for _, text := range s.splitter.Split(doc.Text) {
			idx.Chunks = append(idx.Chunks, Chunk{ID: uuid.NewString(), Source: doc.Source, Text: text})
			texts = append(texts, text)
		}
	}

	if len(texts) > 0 {
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("got %d embeddings for %d chunks", len(vectors), len(texts))
		}
		for i := range idx.Chunks {
			idx.Chunks[i].Embedding = vectors[i]
		}
	}

	if err := idx.Save(s.cfg.StorageDir); err != nil {
		return nil, err
	}

	took := time.Since(start)
	log.Printf("📚 Indexed %d document(s), %d chunk(s) in %s", len(docs), len(idx.Chunks), took.Round(time.Millisecond))
	if s.OnRebuild != nil {
		s.OnRebuild(len(idx.Chunks), took)
	}
	return idx, nil
}

// Query answers text from the indexed documents. The index is loaded (or
// built) on every call.
func (s *Service) Query(ctx context.Context, text string) (string, error) {
	idx, err := s.BuildOrLoad(ctx)
	if err != nil {
		return "", fmt.Errorf("load index: %w", err)
	}
	if len(idx.Chunks) == 0 {
		return EmptyIndexAnswer, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return "", err
	}
	passages := idx.Search(vector, s.cfg.TopK)

	answer, err := s.synthesizer.Answer(ctx, text, passages)
	if err != nil {
		return "", err
	}
	return answer, nil
}
