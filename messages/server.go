package messages

import (
	"encoding/base64"
	"fmt"

	"github.com/bytedance/sonic"
)

// ServerMessage represents a message sent to frontend client.
// Exactly one of Text or Audio is set.
type ServerMessage struct {
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"` // Base64-encoded PCM audio
}

// NewTextMessage creates a text response message
func NewTextMessage(text string) *ServerMessage {
	return &ServerMessage{Text: text}
}

// NewAudioMessage creates an audio response message from raw audio bytes
func NewAudioMessage(data []byte) *ServerMessage {
	return &ServerMessage{Audio: base64.StdEncoding.EncodeToString(data)}
}

// NewUploadAckMessage acknowledges an indexed PDF upload
func NewUploadAckMessage(filename string) *ServerMessage {
	return NewTextMessage(fmt.Sprintf("PDF %s uploaded and indexed.", filename))
}

// Encode serialises the message as a JSON text frame
func (m *ServerMessage) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}
