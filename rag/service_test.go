package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// keywordEmbedder maps texts onto a fixed vocabulary so similarity is predictable
type keywordEmbedder struct {
	mu         sync.Mutex
	docCalls   int
	queryCalls int
	err        error
}

var vocabulary = []string{"refund", "hours", "shipping"}

func embedKeywords(text string) []float32 {
	v := make([]float32, len(vocabulary)+1)
	lower := strings.ToLower(text)
	for i, w := range vocabulary {
		if strings.Contains(lower, w) {
			v[i] = 1
		}
	}
	v[len(vocabulary)] = 0.01
	return v
}

func (e *keywordEmbedder) Model() string { return "keyword" }

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docCalls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedKeywords(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queryCalls++
	return embedKeywords(text), nil
}

type recordingSynthesizer struct {
	question string
	passages []SearchResult
}

func (s *recordingSynthesizer) Answer(_ context.Context, question string, passages []SearchResult) (string, error) {
	s.question = question
	s.passages = passages
	if len(passages) == 0 {
		return "", errors.New("no passages")
	}
	return "answer from " + passages[0].Chunk.Source, nil
}

func newTestService(t *testing.T) (*Service, *keywordEmbedder, *recordingSynthesizer, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		DocumentsDir: filepath.Join(root, "downloads"),
		StorageDir:   filepath.Join(root, "storage"),
		ChunkTokens:  50,
		ChunkOverlap: 5,
		TopK:         1,
	}
	if err := os.MkdirAll(cfg.DocumentsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	emb := &keywordEmbedder{}
	syn := &recordingSynthesizer{}
	return NewService(cfg, emb, syn, WordCounter), emb, syn, cfg
}

func TestService_BuildOrLoadIsIdempotent(t *testing.T) {
	svc, emb, _, cfg := newTestService(t)
	writeFile(t, cfg.DocumentsDir, "policy.txt", []byte("Refund requests are accepted within 30 days."))

	first, err := svc.BuildOrLoad(context.Background())
	if err != nil {
		t.Fatalf("BuildOrLoad() error: %v", err)
	}
	second, err := svc.BuildOrLoad(context.Background())
	if err != nil {
		t.Fatalf("second BuildOrLoad() error: %v", err)
	}

	if emb.docCalls != 1 {
		t.Errorf("EmbedDocuments called %d times, want 1", emb.docCalls)
	}
	if len(first.Chunks) != 1 || len(second.Chunks) != 1 || first.Chunks[0].ID != second.Chunks[0].ID {
		t.Errorf("loaded index differs from built index")
	}
	if _, err := os.Stat(filepath.Join(cfg.StorageDir, indexFileName)); err != nil {
		t.Errorf("index not persisted: %v", err)
	}
}

func TestService_RebuildStartsFromScratch(t *testing.T) {
	svc, emb, _, cfg := newTestService(t)
	writeFile(t, cfg.DocumentsDir, "a.txt", []byte("refund policy"))

	var rebuilt []int
	svc.OnRebuild = func(chunks int, _ time.Duration) { rebuilt = append(rebuilt, chunks) }

	if _, err := svc.BuildOrLoad(context.Background()); err != nil {
		t.Fatalf("BuildOrLoad() error: %v", err)
	}
	stale := filepath.Join(cfg.StorageDir, "stale.bin")
	writeFile(t, cfg.StorageDir, "stale.bin", []byte("old"))
	writeFile(t, cfg.DocumentsDir, "b.txt", []byte("shipping times"))

	if err := svc.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild() error: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("storage dir was not cleared, stat err = %v", err)
	}
	idx, err := LoadIndex(cfg.StorageDir)
	if err != nil {
		t.Fatalf("LoadIndex() error: %v", err)
	}
	if len(idx.Sources) != 2 {
		t.Errorf("Sources = %v, want both documents", idx.Sources)
	}
	if emb.docCalls != 2 {
		t.Errorf("EmbedDocuments called %d times, want 2", emb.docCalls)
	}
	if len(rebuilt) != 2 || rebuilt[1] != 2 {
		t.Errorf("OnRebuild calls = %v", rebuilt)
	}
}

func TestService_Query(t *testing.T) {
	svc, emb, syn, cfg := newTestService(t)
	writeFile(t, cfg.DocumentsDir, "hours.txt", []byte("Store hours are 9 to 5."))
	writeFile(t, cfg.DocumentsDir, "refunds.txt", []byte("Refund requests are accepted within 30 days."))

	answer, err := svc.Query(context.Background(), "what is the refund policy?")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if answer != "answer from refunds.txt" {
		t.Errorf("Query() = %q", answer)
	}
	if syn.question != "what is the refund policy?" || len(syn.passages) != 1 {
		t.Errorf("synthesizer got question %q with %d passages", syn.question, len(syn.passages))
	}
	if emb.queryCalls != 1 {
		t.Errorf("EmbedQuery called %d times, want 1", emb.queryCalls)
	}
}

func TestService_QueryEmptyIndex(t *testing.T) {
	svc, emb, _, _ := newTestService(t)

	answer, err := svc.Query(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if answer != EmptyIndexAnswer {
		t.Errorf("Query() = %q, want %q", answer, EmptyIndexAnswer)
	}
	if emb.queryCalls != 0 {
		t.Errorf("EmbedQuery called %d times, want 0", emb.queryCalls)
	}
}

func TestService_BuildErrorIsReturned(t *testing.T) {
	svc, emb, _, cfg := newTestService(t)
	emb.err = errors.New("quota exceeded")
	writeFile(t, cfg.DocumentsDir, "a.txt", []byte("refund"))

	if _, err := svc.Query(context.Background(), "refund"); err == nil {
		t.Fatal("Query() expected error")
	}
	if _, err := os.Stat(filepath.Join(cfg.StorageDir, indexFileName)); !os.IsNotExist(err) {
		t.Errorf("failed build must not persist an index")
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt("q?", []SearchResult{{Chunk: Chunk{Source: "a.pdf", Text: "ctx text"}}})
	for _, want := range []string{"ctx text", "source: a.pdf", "Query: q?"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}
