package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/room4-2/docsrelay/audio"
	"github.com/room4-2/docsrelay/gemini"
	"github.com/room4-2/docsrelay/transcription"
)

func main() {
	audioFile := flag.String("file", "", "Audio file to transcribe (raw 16-bit mono PCM or WAV)")
	rate := flag.Int("rate", 24000, "Sample rate of raw PCM input")
	model := flag.String("model", "gemini-1.5-flash-8b", "Transcription model")
	out := flag.String("out", "", "Also write the MP3 sent to the model to this path")
	flag.Parse()

	_ = godotenv.Load()
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_API_KEY")
	}
	if apiKey == "" {
		log.Fatal("GEMINI_API_KEY not set")
	}
	if *audioFile == "" {
		log.Fatal("-file is required")
	}

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatalf("Failed to read audio: %v", err)
	}

	format := audio.Format{SampleRate: *rate, Channels: 1}
	pcm := data
	if audio.IsWAV(data) {
		pcm, format, err = audio.DecodeWAV(data)
		if err != nil {
			log.Fatalf("Failed to decode WAV: %v", err)
		}
	}
	log.Printf("📁 %d bytes of PCM at %d Hz, %d channel(s)", len(pcm), format.SampleRate, format.Channels)

	start := time.Now()
	mp3 := audio.NewTranscoder(format.SampleRate, format.Channels).Encode(pcm)
	if mp3 == nil {
		log.Fatal("❌ Audio conversion failed")
	}
	log.Printf("🎵 Encoded %d bytes of MP3 in %s", len(mp3), time.Since(start).Round(time.Millisecond))

	if *out != "" {
		if err := os.WriteFile(*out, mp3, 0o644); err != nil {
			log.Fatalf("Failed to write MP3: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := gemini.NewClient(ctx, apiKey)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	text := transcription.NewClient(client.Models, *model).Transcribe(ctx, mp3)
	log.Printf("📝 %s", text)
}
