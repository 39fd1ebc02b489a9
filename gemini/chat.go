package gemini

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"

	"github.com/room4-2/docsrelay/audio"
)

// chatSession is the subset of *genai.Chat used by ChatProxy
type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// ChatConnector opens turn-based ChatProxy sessions on a shared client
type ChatConnector struct {
	Client       *genai.Client
	DefaultModel string
	SampleRate   int // rate of the client's PCM capture
	MaxAudioSize int // cap on audio held for one user turn, oldest dropped first
}

// Connect creates a chat with the merged session options
func (c *ChatConnector) Connect(ctx context.Context, opts Options) (*ChatProxy, error) {
	model := opts.Model
	if model == "" {
		model = c.DefaultModel
	}

	chat, err := c.Client.Chats.Create(ctx, model, &genai.GenerateContentConfig{
		SystemInstruction: opts.systemContent(),
		Tools:             opts.Tools,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	log.Printf("✅ Created Gemini chat (%s)", model)
	return newChatProxy(chat, c.SampleRate, c.MaxAudioSize), nil
}

// ChatProxy adapts the non-streaming Chats API to the same send/receive
// contract as LiveProxy. Media is held until the next text message, which
// closes the user turn; each reply is queued as events for Receive.
type ChatProxy struct {
	chat       chatSession
	sampleRate int

	sendMu       sync.Mutex // serialises SendMessage and guards pendingParts
	pendingAudio *audio.Buffer
	pendingParts []genai.Part

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newChatProxy(chat chatSession, sampleRate, maxAudioSize int) *ChatProxy {
	return &ChatProxy{
		chat:         chat,
		sampleRate:   sampleRate,
		pendingAudio: audio.NewBuffer(maxAudioSize),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// SendAudio buffers PCM for the next user turn. Past the size cap the
// oldest audio is dropped.
func (cp *ChatProxy) SendAudio(_ context.Context, data []byte) error {
	if cp.isClosed() {
		return ErrClosed
	}
	if evicted := cp.pendingAudio.Append(data); evicted > 0 {
		log.Printf("⚠️ Chat audio over %d bytes, dropped %d oldest bytes", cp.pendingAudio.MaxSize(), evicted)
	}
	return nil
}

// SendImage buffers a JPEG frame for the next user turn
func (cp *ChatProxy) SendImage(_ context.Context, data []byte) error {
	if cp.isClosed() {
		return ErrClosed
	}
	cp.sendMu.Lock()
	cp.pendingParts = append(cp.pendingParts, *genai.NewPartFromBytes(data, "image/jpeg"))
	cp.sendMu.Unlock()
	return nil
}

// SendText sends the buffered media plus text as one user turn
func (cp *ChatProxy) SendText(ctx context.Context, text string) error {
	if cp.isClosed() {
		return ErrClosed
	}

	cp.sendMu.Lock()
	defer cp.sendMu.Unlock()

	var parts []genai.Part
	if pcm := cp.pendingAudio.Flush(); len(pcm) > 0 {
		wav, err := audio.WrapPCM(pcm, cp.sampleRate, 1)
		if err != nil {
			log.Printf("⚠️ Dropping buffered chat audio: %v", err)
		} else {
			parts = append(parts, *genai.NewPartFromBytes(wav, "audio/wav"))
		}
	}
	parts = append(parts, cp.pendingParts...)
	parts = append(parts, *genai.NewPartFromText(text))
	cp.pendingParts = nil

	resp, err := cp.chat.SendMessage(ctx, parts...)
	if err != nil {
		return fmt.Errorf("failed to send chat message: %w", err)
	}
	log.Printf("📤 Sent chat turn to Gemini (%d part(s))", len(parts))
	cp.push(decodeChatResponse(resp))
	return nil
}

// SendToolResponses returns function results to the chat and queues the reply
func (cp *ChatProxy) SendToolResponses(ctx context.Context, responses []ToolResponse) error {
	if cp.isClosed() {
		return ErrClosed
	}

	cp.sendMu.Lock()
	defer cp.sendMu.Unlock()

	parts := make([]genai.Part, 0, len(responses))
	for _, fr := range functionResponses(responses) {
		parts = append(parts, genai.Part{FunctionResponse: fr})
	}

	resp, err := cp.chat.SendMessage(ctx, parts...)
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	log.Printf("📤 Sent %d tool response(s) to Gemini chat", len(responses))
	cp.push(decodeChatResponse(resp))
	return nil
}

func (cp *ChatProxy) push(events []Event) {
	cp.mu.Lock()
	cp.queue = append(cp.queue, events...)
	cp.mu.Unlock()

	select {
	case cp.notify <- struct{}{}:
	default:
	}
}

// Receive returns every queued event, blocking until there is at least one
func (cp *ChatProxy) Receive(ctx context.Context) ([]Event, error) {
	for {
		cp.mu.Lock()
		if len(cp.queue) > 0 {
			events := cp.queue
			cp.queue = nil
			cp.mu.Unlock()
			return events, nil
		}
		closed := cp.closed
		cp.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-cp.done:
		case <-cp.notify:
		}
	}
}

func (cp *ChatProxy) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

// Close ends the chat; pending Receive calls return ErrClosed
func (cp *ChatProxy) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.done)
	return nil
}
