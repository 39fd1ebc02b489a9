package session

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/docsrelay/functions"
	"github.com/room4-2/docsrelay/gemini"
	"github.com/room4-2/docsrelay/messages"
	"github.com/room4-2/docsrelay/transcription"
)

const waitTimeout = 5 * time.Second

// fakeUpstream records what the relay sends and replays events pushed by the test
type fakeUpstream struct {
	mu            sync.Mutex
	audio         [][]byte
	images        [][]byte
	texts         []string
	toolResponses [][]gemini.ToolResponse

	calls      chan string
	events     chan []gemini.Event
	receiveErr chan error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		calls:      make(chan string, 64),
		events:     make(chan []gemini.Event, 16),
		receiveErr: make(chan error, 1),
		closed:     make(chan struct{}),
	}
}

func (u *fakeUpstream) record(kind string) {
	select {
	case u.calls <- kind:
	default:
	}
}

func (u *fakeUpstream) SendAudio(_ context.Context, data []byte) error {
	u.mu.Lock()
	u.audio = append(u.audio, data)
	u.mu.Unlock()
	u.record("audio")
	return nil
}

func (u *fakeUpstream) SendImage(_ context.Context, data []byte) error {
	u.mu.Lock()
	u.images = append(u.images, data)
	u.mu.Unlock()
	u.record("image")
	return nil
}

func (u *fakeUpstream) SendText(_ context.Context, text string) error {
	u.mu.Lock()
	u.texts = append(u.texts, text)
	u.mu.Unlock()
	u.record("text")
	return nil
}

func (u *fakeUpstream) SendToolResponses(_ context.Context, responses []gemini.ToolResponse) error {
	u.mu.Lock()
	u.toolResponses = append(u.toolResponses, responses)
	u.mu.Unlock()
	u.record("tool_responses")
	return nil
}

func (u *fakeUpstream) Receive(ctx context.Context) ([]gemini.Event, error) {
	select {
	case ev := <-u.events:
		return ev, nil
	case err := <-u.receiveErr:
		return nil, err
	case <-u.closed:
		return nil, gemini.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *fakeUpstream) Close() error {
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) isClosed() bool {
	select {
	case <-u.closed:
		return true
	default:
		return false
	}
}

// waitFor blocks until the upstream reports a call of the given kind
func (u *fakeUpstream) waitFor(t *testing.T, kind string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case got := <-u.calls:
			if got == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for upstream %s", kind)
		}
	}
}

type fakeRetriever struct {
	mu       sync.Mutex
	queries  []string
	rebuilds int
	queryErr error
	buildErr error
}

func (r *fakeRetriever) Query(_ context.Context, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, text)
	if r.queryErr != nil {
		return "", r.queryErr
	}
	return "answer: " + text, nil
}

func (r *fakeRetriever) Rebuild(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilds++
	return r.buildErr
}

func (r *fakeRetriever) rebuildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuilds
}

type fakeTranscriber struct {
	mu    sync.Mutex
	calls [][]byte
	text  string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, mp3 []byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, mp3)
	return f.text
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeEncoder struct {
	mu  sync.Mutex
	pcm [][]byte
	out []byte
}

func (e *fakeEncoder) Encode(pcm []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pcm = append(e.pcm, pcm)
	return e.out
}

type harness struct {
	client      *websocket.Conn
	upstream    *fakeUpstream
	retriever   *fakeRetriever
	transcriber *fakeTranscriber
	encoder     *fakeEncoder
	downloads   string
	opts        chan gemini.Options
	done        chan error
	cancel      context.CancelFunc
}

func newHarness(t *testing.T, configure ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		upstream:    newFakeUpstream(),
		retriever:   &fakeRetriever{},
		transcriber: &fakeTranscriber{text: "hello there"},
		encoder:     &fakeEncoder{out: []byte("mp3")},
		downloads:   filepath.Join(t.TempDir(), "downloads"),
		opts:        make(chan gemini.Options, 1),
		done:        make(chan error, 1),
	}
	for _, fn := range configure {
		fn(h)
	}

	deps := Dependencies{
		Connector: ConnectorFunc(func(_ context.Context, opts gemini.Options) (Upstream, error) {
			h.opts <- opts
			return h.upstream, nil
		}),
		Retriever:   h.retriever,
		Transcriber: h.transcriber,
		Encoder:     h.encoder,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.done <- err
			return
		}
		cs := NewClientSession("0123456789abcdef", conn, deps, Options{
			DownloadsDir:  h.downloads,
			MaxBufferSize: 1 << 20,
		})
		h.done <- cs.Run(ctx)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	h.client = client
	return h
}

func (h *harness) send(t *testing.T, frame string) {
	t.Helper()
	if err := h.client.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (h *harness) setup(t *testing.T) {
	t.Helper()
	h.send(t, `{"setup":{}}`)
	select {
	case <-h.opts:
	case <-time.After(waitTimeout):
		t.Fatal("upstream session was not opened")
	}
}

func (h *harness) sendChunks(t *testing.T, chunks ...string) {
	t.Helper()
	h.send(t, `{"realtime_input":{"media_chunks":[`+strings.Join(chunks, ",")+`]}}`)
}

func (h *harness) read(t *testing.T) messages.ServerMessage {
	t.Helper()
	h.client.SetReadDeadline(time.Now().Add(waitTimeout))
	_, data, err := h.client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg messages.ServerMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSession_SetupInjectsInstructionAndTools(t *testing.T) {
	h := newHarness(t)
	h.send(t, `{"setup":{"model":"models/custom","generation_config":{"response_modalities":["TEXT"]}}}`)

	var opts gemini.Options
	select {
	case opts = <-h.opts:
	case <-time.After(waitTimeout):
		t.Fatal("upstream session was not opened")
	}

	if opts.Model != "models/custom" {
		t.Errorf("Model = %q", opts.Model)
	}
	if len(opts.ResponseModalities) != 1 || opts.ResponseModalities[0] != "TEXT" {
		t.Errorf("ResponseModalities = %v", opts.ResponseModalities)
	}
	if opts.SystemInstruction != functions.SystemInstruction {
		t.Errorf("SystemInstruction = %q", opts.SystemInstruction)
	}
	if len(opts.Tools) != 1 || opts.Tools[0].FunctionDeclarations[0].Name != functions.QueryDocsName {
		t.Errorf("Tools = %+v", opts.Tools)
	}
}

func TestSession_ForwardsAudioUnchanged(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.sendChunks(t, `{"mime_type":"audio/pcm","data":"AAAA"}`)
	h.upstream.waitFor(t, "audio")

	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	if len(h.upstream.audio) != 1 || !bytes.Equal(h.upstream.audio[0], []byte{0, 0, 0}) {
		t.Errorf("upstream audio = %v, want [[0 0 0]]", h.upstream.audio)
	}
}

func TestSession_ForwardsImageAndText(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.sendChunks(t,
		`{"mime_type":"image/jpeg","data":"/9j/"}`,
		`{"mime_type":"text/plain","data":"aGVsbG8="}`,
	)
	h.upstream.waitFor(t, "image")
	h.upstream.waitFor(t, "text")

	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	if !bytes.Equal(h.upstream.images[0], []byte{0xff, 0xd8, 0xff}) {
		t.Errorf("upstream image = %v", h.upstream.images[0])
	}
	if h.upstream.texts[0] != "hello" {
		t.Errorf("upstream text = %q, want hello", h.upstream.texts[0])
	}
}

func TestSession_SkipsBadInput(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.send(t, `not json`)
	h.sendChunks(t,
		`{"mime_type":"audio/pcm","data":"!!!"}`,
		`{"mime_type":"video/mp4","data":"AAAA"}`,
	)
	h.sendChunks(t, `{"mime_type":"text/plain","data":"b2s="}`)
	h.upstream.waitFor(t, "text")

	h.upstream.mu.Lock()
	defer h.upstream.mu.Unlock()
	if len(h.upstream.audio) != 0 {
		t.Errorf("undecodable audio was forwarded: %v", h.upstream.audio)
	}
	if h.upstream.texts[0] != "ok" {
		t.Errorf("upstream text = %q", h.upstream.texts[0])
	}
}

func TestSession_PDFUpload(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.sendChunks(t, `{"mime_type":"application/pdf","data":"JVBERg==","filename":"../../a.pdf"}`)

	msg := h.read(t)
	if msg.Text != "PDF a.pdf uploaded and indexed." {
		t.Errorf("ack = %+v", msg)
	}
	got, err := os.ReadFile(filepath.Join(h.downloads, "a.pdf"))
	if err != nil {
		t.Fatalf("uploaded file: %v", err)
	}
	if string(got) != "%PDF" {
		t.Errorf("uploaded content = %q", got)
	}
	if n := h.retriever.rebuildCount(); n != 1 {
		t.Errorf("Rebuild called %d times, want 1", n)
	}
}

func TestSession_PDFDefaultName(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.sendChunks(t, `{"mime_type":"application/pdf","data":"JVBERg=="}`)

	if msg := h.read(t); msg.Text != "PDF uploaded.pdf uploaded and indexed." {
		t.Errorf("ack = %+v", msg)
	}
	if _, err := os.Stat(filepath.Join(h.downloads, messages.DefaultPDFName)); err != nil {
		t.Errorf("default-named file missing: %v", err)
	}
}

func TestSession_PDFRebuildFailureSendsNoAck(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.retriever.buildErr = errors.New("embedding quota exceeded") })
	h.setup(t)

	h.sendChunks(t, `{"mime_type":"application/pdf","data":"JVBERg==","filename":"a.pdf"}`)
	h.sendChunks(t, `{"mime_type":"text/plain","data":"b2s="}`)
	h.upstream.waitFor(t, "text")

	h.upstream.events <- []gemini.Event{{Kind: gemini.EventText, Text: "still here"}}
	if msg := h.read(t); msg.Text != "still here" {
		t.Errorf("first client message = %+v, want the model text", msg)
	}
}

func TestSession_ToolCallRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.upstream.events <- []gemini.Event{{
		Kind: gemini.EventToolCall,
		Calls: []gemini.ToolCall{
			{ID: "1", Name: "query_docs", Args: map[string]any{"query": "refund policy"}},
			{ID: "2", Name: "get_weather", Args: map[string]any{}},
		},
	}}
	h.upstream.waitFor(t, "tool_responses")

	h.upstream.mu.Lock()
	responses := h.upstream.toolResponses
	h.upstream.mu.Unlock()

	if len(responses) != 1 || len(responses[0]) != 2 {
		t.Fatalf("tool responses = %+v, want one batch of two", responses)
	}
	first := responses[0][0]
	if first.ID != "1" || first.Name != "query_docs" || first.Response["result"] != "answer: refund policy" {
		t.Errorf("query_docs response = %+v", first)
	}
	second := responses[0][1]
	if second.ID != "2" || second.Response["error"] != "Unknown function: get_weather" {
		t.Errorf("unknown function response = %+v", second)
	}

	// Tool traffic never reaches the client
	h.upstream.events <- []gemini.Event{{Kind: gemini.EventText, Text: "after tools"}}
	if msg := h.read(t); msg.Text != "after tools" {
		t.Errorf("first client message = %+v", msg)
	}
}

func TestSession_ToolCallRetrievalError(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.retriever.queryErr = errors.New("index unavailable") })
	h.setup(t)

	h.upstream.events <- []gemini.Event{{
		Kind:  gemini.EventToolCall,
		Calls: []gemini.ToolCall{{ID: "7", Name: "query_docs", Args: map[string]any{"query": "x"}}},
	}}
	h.upstream.waitFor(t, "tool_responses")

	h.upstream.mu.Lock()
	resp := h.upstream.toolResponses[0][0]
	h.upstream.mu.Unlock()
	if resp.Response["error"] != "index unavailable" {
		t.Errorf("response = %+v", resp)
	}

	// The session keeps relaying
	h.upstream.events <- []gemini.Event{{Kind: gemini.EventText, Text: "continuing"}}
	if msg := h.read(t); msg.Text != "continuing" {
		t.Errorf("client message = %+v", msg)
	}
}

func TestSession_TurnTranscription(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.upstream.events <- []gemini.Event{{Kind: gemini.EventAudio, Audio: []byte{1, 2, 3, 4}}}
	h.upstream.events <- []gemini.Event{
		{Kind: gemini.EventAudio, Audio: []byte{5, 6}},
		{Kind: gemini.EventTurnComplete},
	}

	if msg := h.read(t); msg.Audio != "AQIDBA==" {
		t.Errorf("first audio = %+v", msg)
	}
	if msg := h.read(t); msg.Audio != "BQY=" {
		t.Errorf("second audio = %+v", msg)
	}
	if msg := h.read(t); msg.Text != "hello there" {
		t.Errorf("transcript = %+v", msg)
	}

	h.encoder.mu.Lock()
	defer h.encoder.mu.Unlock()
	if len(h.encoder.pcm) != 1 || !bytes.Equal(h.encoder.pcm[0], []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("encoded pcm = %v, want the whole turn", h.encoder.pcm)
	}
	if h.transcriber.count() != 1 {
		t.Errorf("Transcribe called %d times", h.transcriber.count())
	}
}

func TestSession_EmptyTurnSkipsTranscription(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.upstream.events <- []gemini.Event{{Kind: gemini.EventTurnComplete}}
	h.upstream.events <- []gemini.Event{{Kind: gemini.EventText, Text: "text only"}}

	if msg := h.read(t); msg.Text != "text only" {
		t.Errorf("client message = %+v", msg)
	}
	if h.transcriber.count() != 0 {
		t.Errorf("Transcribe called %d times for an empty turn", h.transcriber.count())
	}
}

func TestSession_EncodeFailureSendsSentinel(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.encoder.out = nil })
	h.setup(t)

	h.upstream.events <- []gemini.Event{
		{Kind: gemini.EventAudio, Audio: []byte{1, 2}},
		{Kind: gemini.EventTurnComplete},
	}

	h.read(t) // audio
	if msg := h.read(t); msg.Text != transcription.NotRecognizable {
		t.Errorf("client message = %+v, want the sentinel", msg)
	}
	if h.transcriber.count() != 0 {
		t.Errorf("Transcribe called after encode failure")
	}
}

func TestSession_CancellationClosesBothSides(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.cancel()

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !h.upstream.isClosed() {
		t.Error("upstream not closed")
	}

	h.client.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err := h.client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("client read error = %v, want normal closure", err)
	}
}

func TestSession_ClientCloseIsClean(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if err := h.wait(t); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if !h.upstream.isClosed() {
		t.Error("upstream not closed")
	}
}

func TestSession_UpstreamFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.setup(t)

	h.upstream.receiveErr <- errors.New("websocket: close 1011 (internal server error)")

	if err := h.wait(t); err == nil {
		t.Error("Run() = nil, want the upstream error")
	}
}

func TestSession_MalformedHandshake(t *testing.T) {
	h := newHarness(t)
	h.send(t, `{"setup":`)

	if err := h.wait(t); err == nil {
		t.Error("Run() = nil, want handshake error")
	}
	select {
	case <-h.opts:
		t.Error("upstream opened despite malformed setup")
	default:
	}
}

func TestPdfName(t *testing.T) {
	tests := map[string]string{
		"":               messages.DefaultPDFName,
		"a.pdf":          "a.pdf",
		"../../etc/x":    "x",
		"dir/report.pdf": "report.pdf",
		"..":             messages.DefaultPDFName,
		"/":              messages.DefaultPDFName,
	}
	for in, want := range tests {
		if got := pdfName(in); got != want {
			t.Errorf("pdfName(%q) = %q, want %q", in, got, want)
		}
	}
}
