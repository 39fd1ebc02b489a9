package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/docsrelay/audio"
	"github.com/room4-2/docsrelay/messages"
)

// AudioPlayer streams audio via sox
type AudioPlayer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	mu     sync.Mutex
	closed bool
}

func NewAudioPlayer(sampleRate int) *AudioPlayer {
	cmd := exec.Command("sox",
		"-t", "raw",
		"-r", strconv.Itoa(sampleRate),
		"-b", "16",
		"-c", "1",
		"-e", "signed-integer",
		"-",
		"-d",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Println("sox stdin error:", err)
		return nil
	}

	if err := cmd.Start(); err != nil {
		log.Println("sox start error:", err)
		return nil
	}

	return &AudioPlayer{cmd: cmd, stdin: stdin}
}

func (p *AudioPlayer) Play(audioData []byte) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.stdin == nil {
		return
	}
	p.stdin.Write(audioData)
}

func (p *AudioPlayer) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Wait()
	}
}

// writeChunk sends one realtime_input frame holding a single media chunk
func writeChunk(conn *websocket.Conn, chunk messages.MediaChunk) error {
	frame, err := sonic.Marshal(messages.ClientMessage{
		RealtimeInput: &messages.RealtimeInput{MediaChunks: []messages.MediaChunk{chunk}},
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func main() {
	serverURL := flag.String("server", "ws://localhost:9085/", "Relay WebSocket URL")
	audioFile := flag.String("file", "", "Audio file to stream (raw 16-bit PCM or WAV)")
	pdfFile := flag.String("pdf", "", "PDF to upload before talking")
	text := flag.String("text", "", "Text message to send")
	modality := flag.String("modality", "AUDIO", "Response modality requested in setup (AUDIO or TEXT)")
	playRate := flag.Int("play-rate", 24000, "Sample rate of the relay's audio replies; 0 disables playback")
	wait := flag.Duration("wait", 30*time.Second, "How long to wait for replies")
	flag.Parse()

	log.Printf("🔌 Connecting to %s...", *serverURL)

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("✅ Connected!")

	setup, err := sonic.Marshal(messages.ClientMessage{Setup: &messages.Setup{
		GenerationConfig: &messages.GenerationConfig{ResponseModalities: []string{*modality}},
	}})
	if err != nil {
		log.Fatalf("Failed to encode setup: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, setup); err != nil {
		log.Fatalf("Failed to send setup: %v", err)
	}

	var player *AudioPlayer
	if *playRate > 0 {
		if player = NewAudioPlayer(*playRate); player == nil {
			log.Println("⚠️ Audio playback disabled (is sox installed?)")
		}
	}
	defer player.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}

			var msg messages.ServerMessage
			if err := sonic.Unmarshal(message, &msg); err != nil {
				log.Println("Parse error:", err)
				continue
			}

			switch {
			case msg.Audio != "":
				audioBytes, err := base64.StdEncoding.DecodeString(msg.Audio)
				if err == nil {
					log.Printf("🔊 Playing audio: %d bytes", len(audioBytes))
					player.Play(audioBytes)
				}
			case msg.Text != "":
				fmt.Printf("📝 %s\n", msg.Text)
			}
		}
	}()

	if *pdfFile != "" {
		data, err := os.ReadFile(*pdfFile)
		if err != nil {
			log.Fatalf("Failed to read PDF: %v", err)
		}
		log.Printf("📤 Uploading %s (%d bytes)", *pdfFile, len(data))
		err = writeChunk(conn, messages.MediaChunk{
			MimeType: messages.MimePDF,
			Data:     base64.StdEncoding.EncodeToString(data),
			Filename: filepath.Base(*pdfFile),
		})
		if err != nil {
			log.Fatalf("Send error: %v", err)
		}
	}

	if *audioFile != "" {
		audioData, rate, err := loadAudioFile(*audioFile)
		if err != nil {
			log.Fatalf("Failed to load audio: %v", err)
		}

		// Send audio in 100ms chunks (simulating real-time streaming)
		chunkSize := rate / 10 * 2
		total := (len(audioData) + chunkSize - 1) / chunkSize
		for i := 0; i < len(audioData); i += chunkSize {
			end := min(i+chunkSize, len(audioData))
			err := writeChunk(conn, messages.MediaChunk{
				MimeType: messages.MimeAudioPCM,
				Data:     base64.StdEncoding.EncodeToString(audioData[i:end]),
			})
			if err != nil {
				log.Printf("Send error: %v", err)
				break
			}
			log.Printf("📤 Sent chunk %d/%d (%d bytes)", i/chunkSize+1, total, end-i)
			time.Sleep(100 * time.Millisecond)
		}
	}

	if *text != "" {
		err := writeChunk(conn, messages.MediaChunk{
			MimeType: messages.MimeTextPlain,
			Data:     base64.StdEncoding.EncodeToString([]byte(*text)),
		})
		if err != nil {
			log.Fatalf("Send error: %v", err)
		}
		log.Printf("📤 Sent text: %s", *text)
	}

	log.Println("✅ Input sent, waiting for response...")

	select {
	case <-done:
		log.Println("Connection closed")
	case <-interrupt:
		log.Println("\n👋 Interrupted, closing...")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(*wait):
		log.Println("⏰ Done waiting for response")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

// loadAudioFile loads a PCM or WAV file and returns raw PCM bytes with its sample rate
func loadAudioFile(path string) ([]byte, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}

	if audio.IsWAV(data) {
		pcm, format, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, 0, err
		}
		log.Printf("📁 Detected WAV file (%d Hz, %d channel(s))", format.SampleRate, format.Channels)
		return pcm, format.SampleRate, nil
	}

	// Assume raw 16kHz PCM
	log.Println("📁 Detected raw PCM file")
	return data, 16000, nil
}
