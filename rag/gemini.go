package rag

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"

	// Upper bound on texts per batch embedding request
	embedBatchSize = 100
)

// Embedder turns texts into vectors
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Synthesizer writes an answer to question from the retrieved passages
type Synthesizer interface {
	Answer(ctx context.Context, question string, passages []SearchResult) (string, error)
}

// GeminiEmbedder embeds with a Gemini embedding model
type GeminiEmbedder struct {
	models *genai.Models
	model  string
}

// NewGeminiEmbedder uses client.Models with the given embedding model
func NewGeminiEmbedder(client *genai.Client, model string) *GeminiEmbedder {
	return &GeminiEmbedder{models: client.Models, model: model}
}

func (e *GeminiEmbedder) Model() string { return e.model }

func (e *GeminiEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := min(start+embedBatchSize, len(texts))
		vectors, err := e.embed(ctx, texts[start:end], taskRetrievalDocument)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *GeminiEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *GeminiEmbedder) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}

	resp, err := e.models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{TaskType: taskType})
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed content: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("embed content: missing embedding")
		}
		out = append(out, emb.Values)
	}
	return out, nil
}

// GeminiSynthesizer answers with a Gemini text model, grounded on the passages only
type GeminiSynthesizer struct {
	models *genai.Models
	model  string
}

// NewGeminiSynthesizer uses client.Models with the given model
func NewGeminiSynthesizer(client *genai.Client, model string) *GeminiSynthesizer {
	return &GeminiSynthesizer{models: client.Models, model: model}
}

func (s *GeminiSynthesizer) Answer(ctx context.Context, question string, passages []SearchResult) (string, error) {
	resp, err := s.models.GenerateContent(ctx, s.model, genai.Text(buildPrompt(question, passages)), nil)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func buildPrompt(question string, passages []SearchResult) string {
	var b strings.Builder
	b.WriteString("Context information is below.\n---------------------\n")
	for _, p := range passages {
		fmt.Fprintf(&b, "source: %s\n\n%s\n\n", p.Chunk.Source, p.Chunk.Text)
	}
	b.WriteString("---------------------\n")
	b.WriteString("Given the context information and not prior knowledge, answer the query.\n")
	fmt.Fprintf(&b, "Query: %s\nAnswer: ", question)
	return b.String()
}
