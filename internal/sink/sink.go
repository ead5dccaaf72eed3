// Package sink converts per-user audio from the bridge into discrete
// utterances for the pipeline, suppressing bot echo and filtering silence.
package sink

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

const (
	// SilenceThreshold is the RMS below which a chunk counts as silence.
	SilenceThreshold = 300

	// PlaybackSpeechThreshold replaces SilenceThreshold while the bot is
	// playing. Raising the bar is the primary echo-suppression mechanism;
	// only deliberate loud speech (barge-in) passes.
	PlaybackSpeechThreshold = 1200

	// VADSilence is how long a user must stay silent before the streaming
	// path flushes their buffer as one utterance.
	VADSilence = 1000 * time.Millisecond

	// MinUtteranceBytes is the shortest dispatched utterance: 0.5 s of
	// 16 kHz mono 16-bit PCM.
	MinUtteranceBytes = audio.PipelineSampleRate

	// maxBufferBytes caps the per-user streaming buffer at ~120 s of
	// 48 kHz stereo. Overflow forces an immediate flush.
	maxBufferBytes = 120 * audio.WireSampleRate * 2 * 2
)

// Utterance is one completed speech segment ready for the pipeline.
// PCM is 16 kHz mono 16-bit LE. Epoch is the sink epoch captured at dispatch;
// tasks compare it against [Sink.Epoch] and skip themselves when stale.
type Utterance struct {
	UserID string
	PCM    []byte
	RMS    float64 // RMS of the original wire-format segment
	Epoch  int64
}

// DispatchFunc receives each utterance on its own goroutine. New utterances
// never cancel a prior dispatch.
type DispatchFunc func(u Utterance)

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Sink) { s.log = log }
}

// Sink performs RMS gating, downsampling, and epoch tracking for one voice
// session. It accepts pre-segmented utterances via [Sink.ProcessSegment] (the
// primary path) and raw 20 ms chunks via [Sink.Write] (fallback VAD).
type Sink struct {
	log      *slog.Logger
	dispatch DispatchFunc

	mu             sync.Mutex
	epoch          int64
	playbackActive bool
	closed         bool
	buffers        map[string][]byte
	speaking       map[string]bool
	timers         map[string]*time.Timer

	tasks sync.WaitGroup
}

// New creates a Sink delivering utterances to dispatch.
func New(dispatch DispatchFunc, opts ...Option) *Sink {
	s := &Sink{
		log:      slog.Default(),
		dispatch: dispatch,
		buffers:  make(map[string][]byte),
		speaking: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Epoch returns the current drain epoch.
func (s *Sink) Epoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// SetPlaybackActive raises or restores the speech threshold. The pipeline
// sets it true for the duration of TTS playback.
func (s *Sink) SetPlaybackActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackActive = active
}

// PlaybackActive reports whether the raised threshold is in effect.
func (s *Sink) PlaybackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackActive
}

// threshold returns the active RMS gate. Caller must hold s.mu.
func (s *Sink) threshold() float64 {
	if s.playbackActive {
		return PlaybackSpeechThreshold
	}
	return SilenceThreshold
}

// ProcessSegment handles one bridge-segmented utterance in wire format
// (48 kHz stereo 16-bit LE): gate on RMS, downsample, drop too-short audio,
// and dispatch with the current epoch.
func (s *Sink) ProcessSegment(userID string, pcm []byte) {
	rms := audio.RMS(pcm)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	gate := s.threshold()
	epoch := s.epoch
	s.mu.Unlock()

	if rms <= gate {
		s.log.Debug("segment below threshold, dropping",
			"user_id", userID, "rms", rms, "threshold", gate)
		return
	}

	s.convertAndDispatch(userID, pcm, rms, epoch)
}

// Write handles one raw wire-format chunk on the streaming path. Speech
// chunks accumulate per user; once a user stays silent for [VADSilence], the
// buffer is flushed as a single utterance.
func (s *Sink) Write(userID string, chunk []byte) {
	rms := audio.RMS(chunk)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if rms > s.threshold() {
		if !s.speaking[userID] {
			s.log.Debug("speech start", "user_id", userID, "rms", rms)
		}
		s.speaking[userID] = true
		s.buffers[userID] = append(s.buffers[userID], chunk...)
		s.cancelTimerLocked(userID)

		if len(s.buffers[userID]) >= maxBufferBytes {
			s.log.Warn("streaming buffer overflow, forcing flush",
				"user_id", userID, "bytes", len(s.buffers[userID]))
			s.flushLocked(userID)
		}
		return
	}

	if !s.speaking[userID] {
		return
	}

	// Trailing silence is kept for a natural cutoff.
	s.buffers[userID] = append(s.buffers[userID], chunk...)
	if _, pending := s.timers[userID]; !pending {
		s.timers[userID] = time.AfterFunc(VADSilence, func() {
			s.silenceElapsed(userID)
		})
	}
}

// silenceElapsed fires when a user's VAD timer expires.
func (s *Sink) silenceElapsed(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, userID)
	if s.closed || !s.speaking[userID] {
		return
	}
	s.flushLocked(userID)
}

// flushLocked dispatches a user's buffered audio. Caller must hold s.mu.
func (s *Sink) flushLocked(userID string) {
	raw := s.buffers[userID]
	delete(s.buffers, userID)
	s.speaking[userID] = false
	s.cancelTimerLocked(userID)
	if len(raw) == 0 {
		return
	}
	s.convertAndDispatch(userID, raw, audio.RMS(raw), s.epoch)
}

// cancelTimerLocked stops a pending silence timer. Caller must hold s.mu.
func (s *Sink) cancelTimerLocked(userID string) {
	if t, ok := s.timers[userID]; ok {
		t.Stop()
		delete(s.timers, userID)
	}
}

// convertAndDispatch downsamples to the pipeline format and hands the
// utterance off on its own goroutine.
func (s *Sink) convertAndDispatch(userID string, wirePCM []byte, rms float64, epoch int64) {
	mono16k := audio.DownsampleWireToPipeline(wirePCM)
	if len(mono16k) < MinUtteranceBytes {
		s.log.Debug("utterance too short, dropping",
			"user_id", userID, "bytes", len(mono16k))
		return
	}

	u := Utterance{UserID: userID, PCM: mono16k, RMS: rms, Epoch: epoch}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.dispatch(u)
	}()
}

// Drain bumps the epoch, cancels pending silence timers, and clears all
// buffers. Dispatched tasks that have not yet passed their epoch check will
// see the mismatch and skip; they are stale echo captured during playback.
func (s *Sink) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	for userID := range s.timers {
		s.cancelTimerLocked(userID)
	}
	s.buffers = make(map[string][]byte)
	for userID := range s.speaking {
		s.speaking[userID] = false
	}
}

// Close cancels timers, rejects further input, and waits for in-flight
// dispatch goroutines to return.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for userID := range s.timers {
		s.cancelTimerLocked(userID)
	}
	s.buffers = make(map[string][]byte)
	s.mu.Unlock()

	s.tasks.Wait()
}
