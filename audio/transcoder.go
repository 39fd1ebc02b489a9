package audio

import (
	"bytes"
	"fmt"
	"log"
	"math"

	"github.com/braheezy/shine-mp3/pkg/mp3"
	"github.com/go-audio/wav"
)

// The MP3 stream is always encoded at 24 kHz (MPEG-2 layer III, 576
// samples per frame); other capture rates are resampled first.
const (
	mp3SampleRate   = 24000
	mp3FrameSamples = 576
)

// Transcoder turns a turn's worth of PCM into MP3
type Transcoder struct {
	SampleRate int
	Channels   int
}

// NewTranscoder returns a transcoder for the given capture format
func NewTranscoder(sampleRate, channels int) *Transcoder {
	return &Transcoder{SampleRate: sampleRate, Channels: channels}
}

// Encode converts PCM to MP3. It returns nil for empty or malformed input
// and for any codec failure.
func (t *Transcoder) Encode(pcm []byte) []byte {
	if len(pcm) == 0 {
		return nil
	}
	out, err := t.encode(pcm)
	if err != nil {
		log.Printf("⚠️ Error converting PCM to MP3: %v", err)
		return nil
	}
	return out
}

func (t *Transcoder) encode(pcm []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("encoder panic: %v", r)
		}
	}()

	wavData, err := WrapPCM(pcm, t.SampleRate, t.Channels)
	if err != nil {
		return nil, err
	}

	dec := wav.NewDecoder(bytes.NewReader(wavData))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV container")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode WAV: %w", err)
	}
	if len(buf.Data) == 0 {
		return nil, fmt.Errorf("no samples decoded")
	}

	channels := int(dec.NumChans)
	samples := resample(buf.Data, channels, int(dec.SampleRate), mp3SampleRate)

	// The encoder consumes exactly one frame per Write; the last frame is
	// padded with silence.
	block := mp3FrameSamples * channels
	frame := make([]int16, block)
	var mp3Buf bytes.Buffer
	enc := mp3.NewEncoder(mp3SampleRate, channels)
	for start := 0; start < len(samples); start += block {
		end := min(start+block, len(samples))
		clear(frame)
		for i, v := range samples[start:end] {
			frame[i] = int16(v)
		}
		if err := enc.Write(&mp3Buf, frame); err != nil {
			return nil, fmt.Errorf("failed to encode MP3: %w", err)
		}
	}
	if mp3Buf.Len() == 0 {
		return nil, fmt.Errorf("encoder produced no output")
	}
	return mp3Buf.Bytes(), nil
}

// resample converts interleaved samples between rates by linear
// interpolation
func resample(in []int, channels, from, to int) []int {
	if from == to || len(in) == 0 {
		return in
	}
	frames := len(in) / channels
	ratio := float64(to) / float64(from)
	outFrames := int(float64(frames) * ratio)
	out := make([]int, outFrames*channels)

	for i := 0; i < outFrames; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, frames-1)
		idx = min(idx, frames-1)
		for c := 0; c < channels; c++ {
			s1 := float64(in[idx*channels+c])
			s2 := float64(in[next*channels+c])
			out[i*channels+c] = int(math.Round(s1*(1-frac) + s2*frac))
		}
	}
	return out
}
