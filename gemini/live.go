package gemini

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"
)

// ErrClosed is returned by proxy operations after Close
var ErrClosed = errors.New("proxy is closed or not connected")

// liveSession is the subset of *genai.Session used by LiveProxy
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendToolResponse(input genai.LiveToolResponseInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// LiveProxy relays one client session to Gemini Live using the official SDK
type LiveProxy struct {
	session liveSession

	mu     sync.RWMutex
	closed bool
}

// LiveConnector opens LiveProxy sessions on a shared client
type LiveConnector struct {
	Client       *genai.Client
	DefaultModel string
}

// Connect establishes the Live session
func (c *LiveConnector) Connect(ctx context.Context, opts Options) (*LiveProxy, error) {
	model := opts.Model
	if model == "" {
		model = c.DefaultModel
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: opts.modalities(),
		SystemInstruction:  opts.systemContent(),
		Tools:              opts.Tools,
		SpeechConfig:       opts.speechConfig(),
	}

	session, err := c.Client.Live.Connect(ctx, model, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Live API: %w", err)
	}

	log.Printf("✅ Connected to Gemini Live via SDK (%s)", model)
	return newLiveProxy(session), nil
}

func newLiveProxy(session liveSession) *LiveProxy {
	return &LiveProxy{session: session}
}

func (gp *LiveProxy) current() (liveSession, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	if gp.closed || gp.session == nil {
		return nil, ErrClosed
	}
	return gp.session, nil
}

// SendAudio forwards a raw PCM chunk
func (gp *LiveProxy) SendAudio(_ context.Context, data []byte) error {
	return gp.sendMedia("audio/pcm", data)
}

// SendImage forwards a JPEG frame
func (gp *LiveProxy) SendImage(_ context.Context, data []byte) error {
	return gp.sendMedia("image/jpeg", data)
}

func (gp *LiveProxy) sendMedia(mimeType string, data []byte) error {
	session, err := gp.current()
	if err != nil {
		return err
	}
	err = session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: mimeType, Data: data},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", mimeType, err)
	}
	return nil
}

// SendText sends user text as realtime input
func (gp *LiveProxy) SendText(_ context.Context, text string) error {
	session, err := gp.current()
	if err != nil {
		return err
	}
	if err := session.SendRealtimeInput(genai.LiveRealtimeInput{Text: text}); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	log.Printf("📤 Sent text to Gemini: %s", text)
	return nil
}

// SendToolResponses sends function call responses back to Gemini
func (gp *LiveProxy) SendToolResponses(_ context.Context, responses []ToolResponse) error {
	session, err := gp.current()
	if err != nil {
		return err
	}
	err = session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: functionResponses(responses),
	})
	if err != nil {
		return fmt.Errorf("failed to send tool response: %w", err)
	}
	log.Printf("📤 Sent %d tool response(s) to Gemini", len(responses))
	return nil
}

// Receive blocks until the next message carrying at least one event arrives.
// Messages with nothing to relay (setup complete, usage metadata) are skipped.
// Close unblocks a pending Receive.
func (gp *LiveProxy) Receive(ctx context.Context) ([]Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, err := gp.current()
		if err != nil {
			return nil, err
		}

		resp, err := session.Receive()
		if err != nil {
			if gp.isClosed() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("gemini receive: %w", err)
		}

		if events := decodeLiveMessage(resp); len(events) > 0 {
			return events, nil
		}
	}
}

func (gp *LiveProxy) isClosed() bool {
	gp.mu.RLock()
	defer gp.mu.RUnlock()
	return gp.closed
}

// Close terminates the Gemini connection
func (gp *LiveProxy) Close() error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.closed {
		return nil
	}
	gp.closed = true

	if gp.session != nil {
		return gp.session.Close()
	}
	return nil
}
