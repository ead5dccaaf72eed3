// Package mock provides test doubles for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	Text    string
	VoiceID string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Synthesize calls. When exhausted,
	// Result is returned.
	Results [][]byte

	// Result is the fallback clip.
	Result []byte

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// SynthesizeFunc, if non-nil, replaces the canned behaviour entirely.
	SynthesizeFunc func(ctx context.Context, text, voiceID string) ([]byte, error)

	// SynthesizeCalls records every call to Synthesize.
	SynthesizeCalls []SynthesizeCall

	// WarmUpCalls counts WarmUp invocations.
	WarmUpCalls int
}

// Synthesize records the call and returns the next canned clip.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, VoiceID: voiceID})
	n := len(p.SynthesizeCalls) - 1
	fn := p.SynthesizeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voiceID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	if n < len(p.Results) {
		return p.Results[n], nil
	}
	return p.Result, nil
}

// WarmUp counts the call and succeeds.
func (p *Provider) WarmUp(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmUpCalls++
	return nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }

// Calls returns a snapshot of recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
