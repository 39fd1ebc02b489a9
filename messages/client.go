package messages

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// Media chunk MIME types accepted from the browser client
const (
	MimeAudioPCM  = "audio/pcm"
	MimeImageJPEG = "image/jpeg"
	MimePDF       = "application/pdf"
	MimeTextPlain = "text/plain"
)

// DefaultPDFName is used when a PDF chunk carries no filename
const DefaultPDFName = "uploaded.pdf"

// ClientMessage represents a message from frontend client.
// The first message of a session carries Setup, later ones carry RealtimeInput.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtime_input,omitempty"`
}

// RealtimeInput is the envelope around streamed media
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

// MediaChunk is one base64-encoded piece of client media
type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"` // PDF only
}

// Decode returns the raw payload bytes
func (c MediaChunk) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in %s chunk: %w", c.MimeType, err)
	}
	return data, nil
}

// Setup carries the client's model options. Fields the relay does not
// understand are ignored; system instruction and tools are always set by the relay.
type Setup struct {
	Model            string            `json:"model,omitempty"`
	GenerationConfig *GenerationConfig `json:"generation_config,omitempty"`
	// Top-level aliases, accepted because some clients flatten the config
	ResponseModalities []string     `json:"response_modalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

// GenerationConfig holds the generation options understood by the relay
type GenerationConfig struct {
	ResponseModalities []string      `json:"response_modalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speech_config,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voice_config,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuilt_voice_config,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name,omitempty"`
}

// Modalities returns the requested response modalities, generation_config first
func (s *Setup) Modalities() []string {
	if s == nil {
		return nil
	}
	if s.GenerationConfig != nil && len(s.GenerationConfig.ResponseModalities) > 0 {
		return s.GenerationConfig.ResponseModalities
	}
	return s.ResponseModalities
}

// VoiceName returns the requested prebuilt voice, or ""
func (s *Setup) VoiceName() string {
	if s == nil {
		return ""
	}
	sc := s.SpeechConfig
	if s.GenerationConfig != nil && s.GenerationConfig.SpeechConfig != nil {
		sc = s.GenerationConfig.SpeechConfig
	}
	if sc == nil || sc.VoiceConfig == nil || sc.VoiceConfig.PrebuiltVoiceConfig == nil {
		return ""
	}
	return sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName
}

// ParseClientMessage decodes one JSON text frame
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	return &msg, nil
}

// ParseSetup decodes the handshake frame. A frame without a "setup" key yields an empty setup.
func ParseSetup(data []byte) (*Setup, error) {
	msg, err := ParseClientMessage(data)
	if err != nil {
		return nil, err
	}
	if msg.Setup == nil {
		return &Setup{}, nil
	}
	return msg.Setup, nil
}
