// Package rag answers free-text questions over the documents uploaded to the
// relay. It reads a directory of documents, splits them into token-bounded
// chunks, embeds the chunks with Gemini and keeps the resulting vector index
// as a single JSON file in a storage directory. Queries embed the question,
// pick the closest chunks by cosine similarity and have a Gemini model write
// the answer from those chunks only.
package rag
