// Package elevenlabs implements tts.Provider against the ElevenLabs HTTP
// API. Audio is requested as raw 16 kHz PCM and wrapped in a WAV container
// for the playback path.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io"
	defaultModel   = "eleven_turbo_v2_5"
	outputFormat   = "pcm_16000"
	sampleRate     = 16000
)

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID. Defaults to "eleven_turbo_v2_5".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint, e.g. for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithHTTPClient sets the HTTP client. Defaults to a client with a 60s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.http = c }
}

// WithTrimLeadingSilence enables stripping of silent lead-in from the
// synthesised clip before it is returned.
func WithTrimLeadingSilence(trim bool) Option {
	return func(p *Provider) { p.trim = trim }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider synthesises speech via the ElevenLabs text-to-speech endpoint.
type Provider struct {
	apiKey  string
	voiceID string
	model   string
	baseURL string
	trim    bool
	http    *http.Client
	log     *slog.Logger
}

// New creates a Provider. apiKey and voiceID must not be empty; voiceID is
// the default voice used when Synthesize is called without an override.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, fmt.Errorf("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		voiceID: voiceID,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize requests one clip of speech and returns it as 16 kHz mono WAV.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	cleaned := tts.CleanForSpeech(text)
	if cleaned == "" {
		p.log.Debug("elevenlabs: text empty after cleaning", "original_len", len(text))
		return nil, nil
	}
	voice := p.voiceID
	if voiceID != "" {
		voice = voiceID
	}

	body, err := json.Marshal(synthesisRequest{Text: cleaned, ModelID: p.model})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voice, outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.apiKey)

	start := time.Now()
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesis request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("elevenlabs: synthesis failed with status %d: %s", resp.StatusCode, msg)
	}
	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	p.log.Debug("elevenlabs synthesis complete",
		"voice", voice, "chars", len(cleaned), "bytes", len(pcm), "took", time.Since(start))

	wav := audio.EncodeWAV(pcm, sampleRate, 1)
	if p.trim {
		wav = audio.TrimLeadingSilence(wav)
	}
	return wav, nil
}

// WarmUp verifies the API key by listing voices.
func (p *Provider) WarmUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return fmt.Errorf("elevenlabs: build warm-up request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: warm-up request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("elevenlabs: warm-up failed with status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the provider holds no persistent connections.
func (p *Provider) Close() error { return nil }
