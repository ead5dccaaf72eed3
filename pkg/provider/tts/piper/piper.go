// Package piper implements tts.Provider by shelling out to the piper CLI.
// The CLI is used instead of native bindings so the voice model and the
// synthesiser can be swapped without rebuilding. When piper is unavailable
// the provider falls back to espeak-ng.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

const (
	defaultBinary = "piper"
	espeakBinary  = "espeak-ng"

	synthesisTimeout = 60 * time.Second
	fallbackTimeout  = 30 * time.Second

	// wavHeaderSize is the minimum output length for a clip that contains
	// any audio at all.
	wavHeaderSize = 44
)

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBinary sets the piper executable path. Defaults to "piper" on $PATH.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithTrimLeadingSilence enables stripping of silent lead-in from the
// synthesised clip. Piper models often emit a short silent prefix that adds
// perceived latency.
func WithTrimLeadingSilence(trim bool) Option {
	return func(p *Provider) { p.trim = trim }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider synthesises speech with a local piper voice model.
type Provider struct {
	binary    string
	modelPath string
	trim      bool
	log       *slog.Logger
}

// New creates a Provider for the ONNX voice model at modelPath.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("piper: modelPath must not be empty")
	}
	p := &Provider{
		binary:    defaultBinary,
		modelPath: modelPath,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize runs the piper CLI over the cleaned text and returns its WAV
// output. The voiceID parameter is ignored; piper voices are fixed per
// model file.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	cleaned := tts.CleanForSpeech(text)
	if cleaned == "" {
		p.log.Debug("piper: text empty after cleaning", "original_len", len(text))
		return nil, nil
	}
	if voiceID != "" {
		p.log.Debug("piper: ignoring voice override", "voice", voiceID)
	}

	wav, err := p.runPiper(ctx, cleaned)
	if err != nil {
		p.log.Warn("piper synthesis failed, falling back to espeak-ng", "err", err)
		wav, err = p.runEspeak(ctx, cleaned)
		if err != nil {
			return nil, fmt.Errorf("piper: all backends failed: %w", err)
		}
	}
	if p.trim {
		wav = audio.TrimLeadingSilence(wav)
	}
	return wav, nil
}

func (p *Provider) runPiper(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary, "--model", p.modelPath, "--output_file", "-")
	cmd.Stdin = bytes.NewBufferString(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w (stderr: %.500s)", p.binary, err, stderr.String())
	}
	if stdout.Len() <= wavHeaderSize {
		return nil, fmt.Errorf("%s produced no audio (stderr: %.500s)", p.binary, stderr.String())
	}
	p.log.Debug("piper synthesis complete",
		"chars", len(text), "bytes", stdout.Len(), "took", time.Since(start))
	return stdout.Bytes(), nil
}

func (p *Provider) runEspeak(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, espeakBinary, "--stdout", "-s", "150", text)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("run %s: %w", espeakBinary, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s produced no audio", espeakBinary)
	}
	return stdout.Bytes(), nil
}

// WarmUp checks that the voice model and the piper binary are present.
func (p *Provider) WarmUp(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(p.modelPath); err != nil {
		return fmt.Errorf("piper: voice model not readable: %w", err)
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		p.log.Warn("piper binary not found, synthesis will use espeak-ng", "binary", p.binary)
	}
	return nil
}

// Close is a no-op; each synthesis runs in its own subprocess.
func (p *Provider) Close() error { return nil }
