package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/room4-2/docsrelay/audio"
	"github.com/room4-2/docsrelay/functions"
	"github.com/room4-2/docsrelay/gemini"
	"github.com/room4-2/docsrelay/messages"
	"github.com/room4-2/docsrelay/metrics"
	"github.com/room4-2/docsrelay/transcription"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
	maxMessageSize  = 32 * 1024 * 1024 // PDFs arrive base64-encoded in a single frame
)

// Dependencies are the services shared by every session of the process
type Dependencies struct {
	Connector   Connector
	Retriever   Retriever
	Transcriber Transcriber
	Encoder     Encoder
	Metrics     *metrics.Metrics
}

// Options are the per-session settings taken from the config
type Options struct {
	DownloadsDir    string
	MaxBufferSize   int
	KeepAlivePeriod time.Duration
}

// ClientSession represents a single user's connection
type ClientSession struct {
	ID          string
	ClientConn  *websocket.Conn
	AudioBuffer *audio.Buffer // Model audio of the current turn
	CreatedAt   time.Time

	deps Dependencies
	opts Options

	upstream  Upstream
	writeChan chan *messages.ServerMessage

	mu           sync.RWMutex
	lastActivity time.Time
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClientSession wraps an upgraded client connection. Nothing is read or
// sent until Run.
func NewClientSession(id string, clientConn *websocket.Conn, deps Dependencies, opts Options) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(maxMessageSize)

	now := time.Now()
	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		AudioBuffer:  audio.NewBuffer(opts.MaxBufferSize),
		CreatedAt:    now,
		deps:         deps,
		opts:         opts,
		writeChan:    make(chan *messages.ServerMessage, writeBufferSize),
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (cs *ClientSession) short() string {
	if len(cs.ID) > 8 {
		return cs.ID[:8]
	}
	return cs.ID
}

// Run performs the setup handshake, opens the upstream session and relays
// in both directions until either side ends or ctx is cancelled. A clean
// close by either peer returns nil.
func (cs *ClientSession) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, cs.cancel)
	defer stop()
	defer cs.Close()
	defer cs.ClientConn.Close()

	setup, err := cs.handshake()
	if err != nil {
		if cs.ctx.Err() != nil || isCleanClose(err) {
			log.Printf("🔌 [%s] Client left before setup", cs.short())
			return nil
		}
		return fmt.Errorf("handshake: %w", err)
	}

	upstream, err := cs.deps.Connector.Connect(cs.ctx, gemini.Options{
		Model:              setup.Model,
		ResponseModalities: setup.Modalities(),
		VoiceName:          setup.VoiceName(),
		SystemInstruction:  functions.SystemInstruction,
		Tools:              functions.Tools(),
	})
	if err != nil {
		return fmt.Errorf("failed to open upstream session: %w", err)
	}
	cs.mu.Lock()
	cs.upstream = upstream
	cs.mu.Unlock()
	defer upstream.Close()

	log.Printf("✅ [%s] Session established", cs.short())

	g, gctx := errgroup.WithContext(cs.ctx)
	g.Go(func() error { return cs.outboundLoop(gctx) })
	g.Go(func() error { return cs.inboundLoop(gctx) })
	g.Go(func() error { return cs.writeLoop(gctx) })
	g.Go(func() error {
		// Unblocks a pending upstream Receive; the writer closes the client socket
		<-gctx.Done()
		upstream.Close()
		return nil
	})

	err = g.Wait()
	cs.AudioBuffer.Clear()
	if err == nil || isCleanClose(err) {
		log.Printf("🔌 [%s] Session closed", cs.short())
		return nil
	}
	log.Printf("❌ [%s] Session ended with error: %v", cs.short(), err)
	return err
}

// handshake reads the first frame, which must be the setup message
func (cs *ClientSession) handshake() (*messages.Setup, error) {
	// Close the socket if the session is cancelled while waiting for setup
	stop := context.AfterFunc(cs.ctx, func() { cs.ClientConn.Close() })
	defer stop()

	_, data, err := cs.ClientConn.ReadMessage()
	if err != nil {
		return nil, err
	}
	cs.touch()
	return messages.ParseSetup(data)
}

// outboundLoop relays client media to the upstream session
func (cs *ClientSession) outboundLoop(ctx context.Context) error {
	for {
		_, data, err := cs.ClientConn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client read: %w", err)
		}
		cs.touch()

		msg, err := messages.ParseClientMessage(data)
		if err != nil {
			log.Printf("⚠️ [%s] Skipping malformed client message: %v", cs.short(), err)
			cs.deps.Metrics.RecordInvalidFrame()
			continue
		}
		if msg.RealtimeInput == nil {
			continue
		}

		for _, chunk := range msg.RealtimeInput.MediaChunks {
			if err := cs.forwardChunk(ctx, chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (cs *ClientSession) forwardChunk(ctx context.Context, chunk messages.MediaChunk) error {
	cs.deps.Metrics.RecordMediaChunk(chunk.MimeType)

	data, err := chunk.Decode()
	if err != nil {
		log.Printf("⚠️ [%s] Skipping chunk: %v", cs.short(), err)
		return nil
	}

	switch chunk.MimeType {
	case messages.MimeAudioPCM:
		return cs.upstream.SendAudio(ctx, data)

	case messages.MimeImageJPEG:
		return cs.upstream.SendImage(ctx, data)

	case messages.MimeTextPlain:
		log.Printf("💬 [%s] Client text: %s", cs.short(), string(data))
		return cs.upstream.SendText(ctx, string(data))

	case messages.MimePDF:
		cs.handlePDF(ctx, chunk.Filename, data)
		return nil

	default:
		log.Printf("⚠️ [%s] Skipping chunk with unsupported mime type %q", cs.short(), chunk.MimeType)
		return nil
	}
}

// handlePDF stores an uploaded PDF and reindexes the documents directory.
// Failures are logged and leave the session running without an acknowledgment.
func (cs *ClientSession) handlePDF(ctx context.Context, filename string, data []byte) {
	name := pdfName(filename)
	path := filepath.Join(cs.opts.DownloadsDir, name)

	if err := os.MkdirAll(cs.opts.DownloadsDir, 0o755); err != nil {
		log.Printf("❌ [%s] Failed to create downloads dir: %v", cs.short(), err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("❌ [%s] Failed to save PDF %s: %v", cs.short(), name, err)
		return
	}
	log.Printf("📄 [%s] Saved PDF %s (%d bytes)", cs.short(), name, len(data))

	if err := cs.deps.Retriever.Rebuild(ctx); err != nil {
		log.Printf("❌ [%s] Failed to rebuild index after %s: %v", cs.short(), name, err)
		return
	}
	cs.queueMessage(ctx, messages.NewUploadAckMessage(name))
}

// pdfName reduces a client-supplied filename to a base name inside the downloads dir
func pdfName(filename string) string {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == ".." {
		return messages.DefaultPDFName
	}
	return name
}

// inboundLoop relays upstream events to the client
func (cs *ClientSession) inboundLoop(ctx context.Context) error {
	for {
		events, err := cs.upstream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("upstream receive: %w", err)
		}

		for _, ev := range events {
			cs.deps.Metrics.RecordModelEvent(ev.Kind.String())
			if err := cs.handleEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (cs *ClientSession) handleEvent(ctx context.Context, ev gemini.Event) error {
	switch ev.Kind {
	case gemini.EventToolCall:
		responses := cs.handleToolCalls(ctx, ev.Calls)
		if len(responses) == 0 {
			return nil
		}
		return cs.upstream.SendToolResponses(ctx, responses)

	case gemini.EventText:
		if ev.Text != "" {
			cs.queueMessage(ctx, messages.NewTextMessage(ev.Text))
		}

	case gemini.EventAudio:
		if evicted := cs.AudioBuffer.Append(ev.Audio); evicted > 0 {
			log.Printf("⚠️ [%s] Turn audio over %d bytes, dropped %d oldest bytes", cs.short(), cs.AudioBuffer.MaxSize(), evicted)
		}
		cs.queueMessage(ctx, messages.NewAudioMessage(ev.Audio))

	case gemini.EventTurnComplete:
		cs.finishTurn(ctx)
	}
	return nil
}

// finishTurn transcribes the audio buffered during the turn
func (cs *ClientSession) finishTurn(ctx context.Context) {
	if cs.AudioBuffer.IsEmpty() {
		return
	}
	chunks, dropped := cs.AudioBuffer.ChunkCount(), cs.AudioBuffer.Dropped()
	pcm := cs.AudioBuffer.Flush()
	start := time.Now()

	text := transcription.NotRecognizable
	if mp3 := cs.deps.Encoder.Encode(pcm); mp3 != nil {
		text = cs.deps.Transcriber.Transcribe(ctx, mp3)
	}
	cs.deps.Metrics.RecordTranscription(text != transcription.NotRecognizable, time.Since(start))
	log.Printf("📝 [%s] Transcription (%d chunks, %d bytes of audio, %d dropped): %s", cs.short(), chunks, len(pcm), dropped, text)

	if text != "" {
		cs.queueMessage(ctx, messages.NewTextMessage(text))
	}
}

// handleToolCalls runs every requested function. Results go back upstream only.
func (cs *ClientSession) handleToolCalls(ctx context.Context, calls []gemini.ToolCall) []gemini.ToolResponse {
	responses := make([]gemini.ToolResponse, 0, len(calls))

	for _, call := range calls {
		log.Printf("🔧 [%s] Function call: %s (id: %s)", cs.short(), call.Name, call.ID)

		var response map[string]any
		switch call.Name {
		case functions.QueryDocsName:
			response = cs.queryDocs(ctx, call.Args)

		default:
			response = map[string]any{"error": fmt.Sprintf("Unknown function: %s", call.Name)}
			log.Printf("⚠️ [%s] Unknown function called: %s", cs.short(), call.Name)
			cs.deps.Metrics.RecordToolCall(call.Name, false)
		}

		responses = append(responses, gemini.ToolResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		})
	}
	return responses
}

func (cs *ClientSession) queryDocs(ctx context.Context, args map[string]any) map[string]any {
	query, err := functions.QueryArg(args)
	if err != nil {
		cs.deps.Metrics.RecordToolCall(functions.QueryDocsName, false)
		return map[string]any{"error": err.Error()}
	}

	answer, err := cs.deps.Retriever.Query(ctx, query)
	if err != nil {
		log.Printf("❌ [%s] query_docs failed: %v", cs.short(), err)
		cs.deps.Metrics.RecordToolCall(functions.QueryDocsName, false)
		return map[string]any{"error": err.Error()}
	}
	log.Printf("🔧 [%s] query_docs answered (%d chars)", cs.short(), len(answer))
	cs.deps.Metrics.RecordToolCall(functions.QueryDocsName, true)
	return map[string]any{"result": answer}
}

// writeLoop owns every write to the client socket
func (cs *ClientSession) writeLoop(ctx context.Context) error {
	defer cs.ClientConn.Close()

	var ping <-chan time.Time
	if cs.opts.KeepAlivePeriod > 0 {
		ticker := time.NewTicker(cs.opts.KeepAlivePeriod)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			cs.ClientConn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			return nil

		case msg := <-cs.writeChan:
			data, err := msg.Encode()
			if err != nil {
				log.Printf("⚠️ [%s] Failed to encode client message: %v", cs.short(), err)
				continue
			}
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.TextMessage, data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("client write: %w", err)
			}

		case <-ping:
			cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("client ping: %w", err)
			}
		}
	}
}

// queueMessage hands a message to the writer, waiting while the queue is full
func (cs *ClientSession) queueMessage(ctx context.Context, msg *messages.ServerMessage) {
	select {
	case cs.writeChan <- msg:
		cs.touch()
	case <-ctx.Done():
	}
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// LastActivity returns the time of the last client frame or relayed message
func (cs *ClientSession) LastActivity() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastActivity
}

// Close cancels the session; Run tears down both connections and returns
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.cancel()
	return nil
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

// isCleanClose reports whether err is an orderly end of either connection
func isCleanClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, gemini.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure ||
			closeErr.Code == websocket.CloseGoingAway ||
			closeErr.Code == websocket.CloseNoStatusReceived
	}
	return false
}
