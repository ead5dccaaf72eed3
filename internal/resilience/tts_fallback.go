package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker. A typical setup pairs
// a hosted primary with a local fallback so speech keeps working when the
// hosted API is down.
type TTSFallback struct {
	group     *FallbackGroup[tts.Provider]
	providers []tts.Provider
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &TTSFallback{
		group:     NewFallbackGroup(primary, primaryName, cfg),
		providers: []tts.Provider{primary},
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
	f.providers = append(f.providers, provider)
}

// Synthesize converts one sentence using the first healthy provider. Voice
// overrides are provider-specific, so a fallback may speak with its own
// default voice.
func (f *TTSFallback) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voiceID)
	})
}

// WarmUp initialises the primary. Fallback warm-up failures are logged but
// not fatal; a broken fallback trips its breaker when first used.
func (f *TTSFallback) WarmUp(ctx context.Context) error {
	for i, p := range f.providers {
		err := p.WarmUp(ctx)
		if err == nil {
			continue
		}
		if i == 0 {
			return err
		}
		slog.Warn("tts fallback warm-up failed", "err", err)
	}
	return nil
}

// Close releases every wrapped provider.
func (f *TTSFallback) Close() error {
	var errs []error
	for _, p := range f.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
