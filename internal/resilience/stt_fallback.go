package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group     *FallbackGroup[stt.Provider]
	providers []stt.Provider
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	return &STTFallback{
		group:     NewFallbackGroup(primary, primaryName, cfg),
		providers: []stt.Provider{primary},
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
	f.providers = append(f.providers, provider)
}

// Transcribe converts one utterance using the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm)
	})
}

// WarmUp loads the primary's models. Fallback warm-up failures are logged but
// not fatal; a broken fallback trips its breaker when first used.
func (f *STTFallback) WarmUp(ctx context.Context) error {
	for i, p := range f.providers {
		err := p.WarmUp(ctx)
		if err == nil {
			continue
		}
		if i == 0 {
			return err
		}
		slog.Warn("stt fallback warm-up failed", "err", err)
	}
	return nil
}

// Close releases every wrapped provider.
func (f *STTFallback) Close() error {
	var errs []error
	for _, p := range f.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
