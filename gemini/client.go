package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// NewClient creates the GenAI client shared by every upstream, transcription
// and retrieval call of the process
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

// Options is the merged per-session configuration: the client's setup with
// the relay's system instruction and tools applied on top
type Options struct {
	Model              string
	ResponseModalities []string
	VoiceName          string
	SystemInstruction  string
	Tools              []*genai.Tool
}

func (o Options) systemContent() *genai.Content {
	if o.SystemInstruction == "" {
		return nil
	}
	return &genai.Content{Parts: []*genai.Part{{Text: o.SystemInstruction}}}
}

func (o Options) speechConfig() *genai.SpeechConfig {
	if o.VoiceName == "" {
		return nil
	}
	return &genai.SpeechConfig{
		VoiceConfig: &genai.VoiceConfig{
			PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: o.VoiceName},
		},
	}
}

func (o Options) modalities() []genai.Modality {
	if len(o.ResponseModalities) == 0 {
		return []genai.Modality{genai.ModalityAudio}
	}
	out := make([]genai.Modality, 0, len(o.ResponseModalities))
	for _, m := range o.ResponseModalities {
		out = append(out, genai.Modality(m))
	}
	return out
}
