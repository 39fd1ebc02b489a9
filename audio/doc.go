// Package audio converts raw PCM captured from (or produced for) the browser
// client into the container formats the transcription model accepts.
//
// PCM is always signed 16-bit little-endian. The transcoder wraps it in a WAV
// container, decodes that with go-audio/wav, resamples it to 24 kHz and
// re-encodes it as MP3 with shine-mp3. Every failure degrades to a nil
// result so that a bad audio turn never ends a relay session.
//
// Buffer holds chunked PCM under a size cap, dropping the oldest audio.
package audio
