// Package mock provides test doubles for the wakeword package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/wakeword"
)

// Detector is a mock implementation of wakeword.Detector.
type Detector struct {
	mu sync.Mutex

	// Detected is returned by every Detect call.
	Detected bool

	// Err, if non-nil, is returned by every Detect call.
	Err error

	// DetectCalls records the PCM passed to each Detect call.
	DetectCalls [][]byte

	// ResetCalls counts Reset invocations.
	ResetCalls int

	// WarmUpCalls counts WarmUp invocations.
	WarmUpCalls int
}

// Detect records the call and returns the canned result.
func (d *Detector) Detect(_ context.Context, pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = append(d.DetectCalls, pcm)
	if d.Err != nil {
		return false, d.Err
	}
	return d.Detected, nil
}

// Reset counts the call.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
}

// WarmUp counts the call and succeeds.
func (d *Detector) WarmUp(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.WarmUpCalls++
	return nil
}

// Close is a no-op.
func (d *Detector) Close() error { return nil }

// Ensure Detector implements wakeword.Detector at compile time.
var _ wakeword.Detector = (*Detector)(nil)
