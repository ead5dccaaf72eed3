// Package mock provides test doubles for the stt package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is the audio passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls. When exhausted,
	// Result is returned.
	Results []string

	// Result is the fallback transcription.
	Result string

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// TranscribeFunc, if non-nil, replaces the canned behaviour entirely.
	TranscribeFunc func(ctx context.Context, pcm []byte) (string, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	// WarmUpCalls counts WarmUp invocations.
	WarmUpCalls int
}

// Transcribe records the call and returns the next canned result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{PCM: pcm})
	n := len(p.TranscribeCalls) - 1
	fn := p.TranscribeFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return "", p.Err
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

// Calls returns a snapshot of recorded Transcribe calls. Thread-safe.
func (p *Provider) Calls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TranscribeCall(nil), p.TranscribeCalls...)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
