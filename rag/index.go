package rag

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

const (
	indexFileName = "index.json"
	indexVersion  = 1
)

// ErrNoIndex is returned by LoadIndex when nothing is persisted yet
var ErrNoIndex = errors.New("no persisted index")

// Chunk is an embedded piece of a document
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding"`
}

// Index is the persisted vector index
type Index struct {
	Version        int       `json:"version"`
	EmbeddingModel string    `json:"embedding_model"`
	CreatedAt      time.Time `json:"created_at"`
	Sources        []string  `json:"sources"`
	Chunks         []Chunk   `json:"chunks"`
}

// SearchResult is a chunk with its similarity to the query
type SearchResult struct {
	Chunk Chunk
	Score float32
}

// LoadIndex reads the index persisted in dir
func LoadIndex(dir string) (*Index, error) {
	raw, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoIndex
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var idx Index
	if err := sonic.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if idx.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", idx.Version)
	}
	return &idx, nil
}

// Save writes the index into dir, replacing any previous file atomically
func (idx *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	raw, err := sonic.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp, err := os.CreateTemp(dir, indexFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, indexFileName)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// Search returns up to k chunks ordered by descending cosine similarity
func (idx *Index) Search(query []float32, k int) []SearchResult {
	if k <= 0 || len(idx.Chunks) == 0 {
		return nil
	}
	results := make([]SearchResult, 0, len(idx.Chunks))
	for _, c := range idx.Chunks {
		results = append(results, SearchResult{Chunk: c, Score: cosine(query, c.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
