package transcription

import (
	"context"
	"log"
	"strings"

	"google.golang.org/genai"
)

const (
	// NotRecognizable is returned whenever no usable transcript could be produced
	NotRecognizable = "<Not recognizable>"

	prompt = "Generate a transcript of the speech. If not recognizable, say '<Not recognizable>'."

	mimeTypeMP3 = "audio/mp3"
)

// ContentGenerator is the part of genai.Models the client needs
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client transcribes MP3 speech with a one-shot generative model call
type Client struct {
	models ContentGenerator
	model  string
}

// NewClient creates a transcription client; pass genaiClient.Models as models
func NewClient(models ContentGenerator, model string) *Client {
	return &Client{models: models, model: model}
}

// Transcribe returns the trimmed transcript of mp3, or NotRecognizable.
// No conversation context is kept between calls.
func (c *Client) Transcribe(ctx context.Context, mp3 []byte) string {
	if len(mp3) == 0 {
		return NotRecognizable
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(prompt),
			genai.NewPartFromBytes(mp3, mimeTypeMP3),
		}, genai.RoleUser),
	}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		log.Printf("❌ Transcription failed: %v", err)
		return NotRecognizable
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return NotRecognizable
	}
	return text
}
