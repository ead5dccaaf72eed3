// Package stt defines the speech-to-text provider contract.
package stt

import "context"

// Provider transcribes complete utterances. Implementations must be safe for
// concurrent use; the pipeline may transcribe for several guilds at once.
type Provider interface {
	// Transcribe converts one utterance of 16 kHz mono 16-bit LE PCM to
	// text. An empty result means no speech was recognised and is not an
	// error.
	Transcribe(ctx context.Context, pcm []byte) (string, error)

	// WarmUp loads models so the first transcription is not delayed.
	WarmUp(ctx context.Context) error

	// Close releases model resources.
	Close() error
}
