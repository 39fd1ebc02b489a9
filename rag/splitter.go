package rag

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter returns the number of tokens in s
type TokenCounter func(s string) int

// NewTokenCounter counts with the cl100k_base encoding. When the encoding
// cannot be loaded (it is fetched on first use) it falls back to counting words.
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return WordCounter
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}
}

// WordCounter counts whitespace-separated words
func WordCounter(s string) int {
	return len(strings.Fields(s))
}

// Splitter cuts text into overlapping windows of at most Size tokens
type Splitter struct {
	Size    int
	Overlap int
	Count   TokenCounter
}

// Split returns the chunks of text. Word boundaries are preserved; a single
// word longer than Size becomes its own chunk.
func (s *Splitter) Split(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	count := s.Count
	if count == nil {
		count = WordCounter
	}

	costs := make([]int, len(words))
	for i, w := range words {
		costs[i] = count(w + " ")
		if costs[i] < 1 {
			costs[i] = 1
		}
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end, used := start, 0
		for end < len(words) && (end == start || used+costs[end] <= s.Size) {
			used += costs[end]
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}

		// Step back over up to Overlap tokens, always advancing by at least one word
		next, carried := end, 0
		for next-1 > start && carried+costs[next-1] <= s.Overlap {
			next--
			carried += costs[next]
		}
		start = next
	}
	return chunks
}
