package session

import (
	"context"

	"github.com/room4-2/docsrelay/gemini"
)

// Upstream is one model session, Live or Chat
type Upstream interface {
	SendAudio(ctx context.Context, data []byte) error
	SendImage(ctx context.Context, data []byte) error
	SendText(ctx context.Context, text string) error
	SendToolResponses(ctx context.Context, responses []gemini.ToolResponse) error
	// Receive blocks until the next batch of events is available
	Receive(ctx context.Context) ([]gemini.Event, error)
	Close() error
}

// Connector opens an Upstream for a new client session
type Connector interface {
	Connect(ctx context.Context, opts gemini.Options) (Upstream, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context, opts gemini.Options) (Upstream, error)

func (f ConnectorFunc) Connect(ctx context.Context, opts gemini.Options) (Upstream, error) {
	return f(ctx, opts)
}

// LiveConnector opens Gemini Live sessions
func LiveConnector(c *gemini.LiveConnector) Connector {
	return ConnectorFunc(func(ctx context.Context, opts gemini.Options) (Upstream, error) {
		proxy, err := c.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return proxy, nil
	})
}

// ChatConnector opens Gemini chat sessions
func ChatConnector(c *gemini.ChatConnector) Connector {
	return ConnectorFunc(func(ctx context.Context, opts gemini.Options) (Upstream, error) {
		proxy, err := c.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		return proxy, nil
	})
}

// Retriever answers query_docs calls and reindexes uploaded documents
type Retriever interface {
	Query(ctx context.Context, text string) (string, error)
	Rebuild(ctx context.Context) error
}

// Transcriber turns MP3 speech into text
type Transcriber interface {
	Transcribe(ctx context.Context, mp3 []byte) string
}

// Encoder converts a turn's PCM to MP3, returning nil on failure
type Encoder interface {
	Encode(pcm []byte) []byte
}
