// This file contains the whisper.cpp-backed Provider implementation. The
// whisper.cpp static library (libwhisper.a) and headers (whisper.h) must be
// available at link time via LIBRARY_PATH and C_INCLUDE_PATH environment
// variables.

// Package whisper implements stt.Provider using the whisper.cpp CGO
// bindings. The model is loaded once and shared across all sessions.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

const (
	defaultLanguage = "en"

	// maxConcurrentInference bounds simultaneous whisper contexts. The model
	// is shared, but each inference pins a CPU core for its duration.
	maxConcurrentInference = 2
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider transcribes complete 16 kHz mono utterances with whisper.cpp.
type Provider struct {
	modelPath string
	language  string
	log       *slog.Logger

	sem *semaphore.Weighted

	mu    sync.Mutex
	model whisperlib.Model
}

// New creates a Provider for the GGML model at modelPath. The model itself
// is loaded lazily by WarmUp or the first Transcribe call. The caller must
// call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	p := &Provider{
		modelPath: modelPath,
		language:  defaultLanguage,
		log:       slog.Default(),
		sem:       semaphore.NewWeighted(maxConcurrentInference),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// WarmUp loads the model so the first transcription is not delayed.
func (p *Provider) WarmUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.getModel()
	return err
}

// getModel loads the whisper model on first use.
func (p *Provider) getModel() (whisperlib.Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		return p.model, nil
	}

	start := time.Now()
	model, err := whisperlib.New(p.modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", p.modelPath, err)
	}
	p.log.Info("whisper model loaded", "path", p.modelPath, "took", time.Since(start))
	p.model = model
	return model, nil
}

// Transcribe runs whisper.cpp inference over one complete utterance.
// Each call creates its own whisper context from the shared model, so
// multiple guilds can transcribe concurrently.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	model, err := p.getModel()
	if err != nil {
		return "", err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("whisper: acquire inference slot: %w", err)
	}
	defer p.sem.Release(1)

	samples := pcmToFloat32(pcm)

	// Contexts are not thread-safe; the shared model is.
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		p.log.Warn("whisper: failed to set language, using default",
			"language", p.language, "err", err)
	}

	start := time.Now()
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	result := strings.Join(parts, " ")
	p.log.Debug("whisper transcription complete",
		"samples", len(samples), "took", time.Since(start), "chars", len(result))
	return result, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model != nil {
		err := p.model.Close()
		p.model = nil
		return err
	}
	return nil
}
