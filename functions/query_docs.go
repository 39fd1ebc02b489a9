package functions

import (
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// QueryDocsName is the tool the model calls to search uploaded documents
const QueryDocsName = "query_docs"

// SystemInstruction is injected into every session, whatever the client sent
const SystemInstruction = `You are a helpful assistant. Use the query_docs tool to answer questions based on uploaded documents when relevant.`

// QueryDocsFunctionDeclaration returns the function declaration for Gemini
func QueryDocsFunctionDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        QueryDocsName,
		Description: "Query the document content with a specific query string.",
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"query": {
					Type:        genai.TypeString,
					Description: "The query string",
				},
			},
			Required: []string{"query"},
		},
	}
}

// Tools returns the tool set declared for every session
func Tools() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				QueryDocsFunctionDeclaration(),
			},
		},
	}
}

// QueryArg extracts the "query" argument of a query_docs call
func QueryArg(args map[string]any) (string, error) {
	raw, ok := args["query"]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", "query")
	}
	query, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string, got %T", "query", raw)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("argument %q is empty", "query")
	}
	return query, nil
}
