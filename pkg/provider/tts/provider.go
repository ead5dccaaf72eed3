// Package tts defines the text-to-speech provider contract and the text
// sanitisation shared by all backends.
package tts

import "context"

// Provider converts text into playable audio. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Synthesize converts text to a complete WAV clip. voiceID overrides the
	// configured default voice when non-empty; backends without voice
	// selection ignore it. A nil result with nil error means the text
	// produced no speakable audio.
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)

	// WarmUp initialises clients and resolves models so the first synthesis
	// is not delayed.
	WarmUp(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
