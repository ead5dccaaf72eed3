// Package wakeword provides wake phrase detection for the voice pipeline.
// Two mechanisms are offered: an ONNX model scoring raw audio frames, and a
// phonetic matcher applied to transcripts when no model is available.
package wakeword

import "context"

// Detector scores audio for the presence of the wake phrase. Implementations
// must be safe for concurrent use.
type Detector interface {
	// Detect reports whether the wake phrase occurs anywhere in the given
	// 16 kHz mono 16-bit LE PCM utterance.
	Detect(ctx context.Context, pcm []byte) (bool, error)

	// Reset clears accumulated detector state after a detection has been
	// consumed.
	Reset()

	// WarmUp loads the model so the first detection is not delayed.
	WarmUp(ctx context.Context) error

	// Close releases model resources.
	Close() error
}
